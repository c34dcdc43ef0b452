package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"affiliate/pkg/money"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Log        LogConfig        `mapstructure:"log"`
	Lock       LockConfig       `mapstructure:"lock"`
	Commission CommissionConfig `mapstructure:"commission"`
	Payout     PayoutConfig     `mapstructure:"payout"`
	Business   BusinessConfig   `mapstructure:"business"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	Mode       string `mapstructure:"mode"`
	AdminToken string `mapstructure:"admin_token"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// 推荐关系缓存时长，0 表示不缓存
	ReferralCacheTTL time.Duration `mapstructure:"referral_cache_ttl"`
}

type KafkaConfig struct {
	Brokers       []string         `mapstructure:"brokers"`
	ConsumerGroup string           `mapstructure:"consumer_group"`
	Topic         KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PurchaseCompleted string `mapstructure:"purchase_completed"`
	LedgerEvent       string `mapstructure:"ledger_event"`
}

type LogConfig struct {
	Production bool `mapstructure:"production"`
}

const (
	LockBackendRedis = "redis"
	LockBackendLocal = "local"
)

// LockConfig 钱包串行化点配置
type LockConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// CommissionConfig 佣金比例（百分比）
// 一级、二级比例互相独立，均按购买金额计算
type CommissionConfig struct {
	Level1Rate decimal.Decimal        `mapstructure:"level1_rate"`
	Level2Rate decimal.Decimal        `mapstructure:"level2_rate"`
	Packages   map[string]PackageRate `mapstructure:"packages"`
	// 推荐链最大回溯深度，防止异常数据导致的无限回溯
	MaxDepth int `mapstructure:"max_depth"`
}

type PackageRate struct {
	Level1Rate decimal.Decimal `mapstructure:"level1_rate"`
	Level2Rate decimal.Decimal `mapstructure:"level2_rate"`
}

type PayoutConfig struct {
	// 最低提现金额，例如 "500.00"
	MinAmount string `mapstructure:"min_amount"`
	// 同一用户同时只允许一笔未结束的提现
	SingleOutstanding bool `mapstructure:"single_outstanding"`
}

// MinPayout 最低提现金额
func (p PayoutConfig) MinPayout() (money.Amount, error) {
	return money.Parse(p.MinAmount)
}

type BusinessConfig struct {
	MaxRetryCount     int           `mapstructure:"max_retry_count"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ReconcileBatch    int           `mapstructure:"reconcile_batch"`
}

// Default 默认配置，配置文件中缺省的项以此为准
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Mode: "release"},
		MySQL: MySQLConfig{
			Host: "127.0.0.1", Port: 3306, User: "root", Database: "affiliate",
			MaxOpenConns: 50, MaxIdleConns: 10,
		},
		Redis: RedisConfig{Host: "127.0.0.1", Port: 6379, ReferralCacheTTL: 10 * time.Minute},
		Kafka: KafkaConfig{
			Brokers:       []string{"127.0.0.1:9092"},
			ConsumerGroup: "affiliate-commission",
			Topic: KafkaTopicConfig{
				PurchaseCompleted: "purchase_completed",
				LedgerEvent:       "ledger_event",
			},
		},
		Lock: LockConfig{
			Backend:       LockBackendRedis,
			TTL:           30 * time.Second,
			RetryInterval: 50 * time.Millisecond,
			MaxRetries:    100,
		},
		Commission: CommissionConfig{
			Level1Rate: decimal.NewFromInt(40),
			Level2Rate: decimal.NewFromInt(10),
			MaxDepth:   2,
		},
		Payout: PayoutConfig{MinAmount: "500.00", SingleOutstanding: true},
		Business: BusinessConfig{
			MaxRetryCount:     5,
			ReconcileInterval: 10 * time.Minute,
			ReconcileBatch:    200,
		},
	}
}

// LoadConfig 加载配置文件，环境变量 AFFILIATE_XXX_YYY 可覆盖 xxx.yyy
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("affiliate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验业务配置
func (c *Config) Validate() error {
	if err := validateRates("commission", c.Commission.Level1Rate, c.Commission.Level2Rate); err != nil {
		return err
	}
	for pkg, r := range c.Commission.Packages {
		if err := validateRates("commission.packages."+pkg, r.Level1Rate, r.Level2Rate); err != nil {
			return err
		}
	}
	if c.Commission.MaxDepth < 2 {
		return errors.New("commission.max_depth 不能小于 2")
	}

	minAmount, err := c.Payout.MinPayout()
	if err != nil || !minAmount.IsPositive() {
		return fmt.Errorf("payout.min_amount 不合法: %q", c.Payout.MinAmount)
	}

	switch c.Server.Mode {
	case "", "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode 不支持: %q", c.Server.Mode)
	}

	switch c.Lock.Backend {
	case LockBackendRedis, LockBackendLocal:
	default:
		return fmt.Errorf("lock.backend 不支持: %q", c.Lock.Backend)
	}
	return nil
}

func validateRates(name string, l1, l2 decimal.Decimal) error {
	hundred := decimal.NewFromInt(100)
	if l1.IsNegative() || l2.IsNegative() {
		return fmt.Errorf("%s 佣金比例不能为负数", name)
	}
	if l1.Add(l2).GreaterThan(hundred) {
		return fmt.Errorf("%s 一级与二级佣金比例之和不能超过 100%%", name)
	}
	return nil
}
