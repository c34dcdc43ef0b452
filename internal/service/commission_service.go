package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"affiliate/internal/config"
	"affiliate/internal/infrastructure/lock"
	"affiliate/internal/infrastructure/logging"
	"affiliate/internal/infrastructure/metrics"
	"affiliate/internal/model"
	"affiliate/internal/repository"
	"affiliate/pkg/idgen"
	"affiliate/pkg/money"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 参与分佣的层级数
const commissionLevels = 2

// Rates 一级、二级佣金比例（百分比），均以购买金额为基数，互相独立
type Rates struct {
	Level1 decimal.Decimal `json:"level1_rate"`
	Level2 decimal.Decimal `json:"level2_rate"`
}

func (r Rates) ForLevel(level int) decimal.Decimal {
	if level == model.CommissionLevel1 {
		return r.Level1
	}
	return r.Level2
}

// RateTable 套餐佣金比例，未单独配置的套餐使用默认比例
type RateTable struct {
	defaults Rates
	packages map[string]Rates
}

func NewRateTable(cfg config.CommissionConfig) *RateTable {
	t := &RateTable{
		defaults: Rates{Level1: cfg.Level1Rate, Level2: cfg.Level2Rate},
		packages: make(map[string]Rates, len(cfg.Packages)),
	}
	for id, r := range cfg.Packages {
		t.packages[strings.ToLower(id)] = Rates{Level1: r.Level1Rate, Level2: r.Level2Rate}
	}
	return t
}

// For 套餐ID大小写不敏感（viper 会把配置中的 key 转成小写）
func (t *RateTable) For(packageID string) Rates {
	if r, ok := t.packages[strings.ToLower(packageID)]; ok {
		return r
	}
	return t.defaults
}

// PurchaseEvent 购买完成事件（由购买系统投递，至少一次）
type PurchaseEvent struct {
	PurchaseID  string       `json:"purchase_id"`
	PurchaserID int64        `json:"purchaser_id"`
	PackageID   string       `json:"package_id"`
	Amount      money.Amount `json:"amount"`
	// 可选：事件自带的套餐比例，优先于本地配置
	Level1Rate *decimal.Decimal `json:"level1_rate,omitempty"`
	Level2Rate *decimal.Decimal `json:"level2_rate,omitempty"`
}

func (e *PurchaseEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.PurchaseID) == "":
		return fmt.Errorf("%w: purchase_id 不能为空", ErrInvalidPurchase)
	case e.PurchaserID <= 0:
		return fmt.Errorf("%w: purchaser_id 不合法", ErrInvalidPurchase)
	case strings.TrimSpace(e.PackageID) == "":
		return fmt.Errorf("%w: package_id 不能为空", ErrInvalidPurchase)
	case !e.Amount.IsPositive():
		return fmt.Errorf("%w: %w", ErrInvalidPurchase, ErrInvalidAmount)
	case e.Amount > money.MaxAmount:
		return fmt.Errorf("%w: %w: 金额不能超过 %s", ErrInvalidPurchase, ErrInvalidAmount, money.MaxAmount)
	}
	for _, r := range []*decimal.Decimal{e.Level1Rate, e.Level2Rate} {
		if r != nil && (r.IsNegative() || r.GreaterThan(decimal.NewFromInt(100))) {
			return fmt.Errorf("%w: 佣金比例必须在 0-100 之间", ErrInvalidPurchase)
		}
	}
	return nil
}

// PurchaseResult 分佣结果
type PurchaseResult struct {
	PurchaseID    string              `json:"purchase_id"`
	Duplicate     bool                `json:"duplicate"`
	Commissions   []*model.Commission `json:"commissions"`
	SkippedLevels []int               `json:"skipped_levels,omitempty"`
}

// CommissionService 佣金引擎：一次购买 → 0~2 条佣金 + 对应钱包入账，且只处理一次
type CommissionService struct {
	locker         lock.Locker
	wallets        *WalletService
	resolver       *ReferralResolver
	rates          *RateTable
	commissionRepo *repository.CommissionRepository
	outboxRepo     *repository.OutboxRepository
	eventTopic     string
	logger         *zap.Logger
}

func NewCommissionService(
	db *gorm.DB,
	locker lock.Locker,
	wallets *WalletService,
	resolver *ReferralResolver,
	rates *RateTable,
	eventTopic string,
	logger *zap.Logger,
) *CommissionService {
	return &CommissionService{
		locker:         locker,
		wallets:        wallets,
		resolver:       resolver,
		rates:          rates,
		commissionRepo: repository.NewCommissionRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
		eventTopic:     eventTopic,
		logger:         logging.OrNop(logger).Named("commission"),
	}
}

func purchaseLockKey(purchaseID string) string {
	return "commission:lock:purchase:" + purchaseID
}

// ProcessPurchase 处理购买完成事件
//
// 【幂等】
// 1. 快速路径：已有佣金引用该 purchase_id，直接返回
// 2. 按 purchase_id 加锁，重复投递的事件在这里排队
// 3. 锁内、事务内再次检查，再写佣金 + 入账
// 4. (purchase_id, beneficiary_id, level) 唯一索引兜底
//
// 任一步失败整个事务回滚，重试不会产生重复记录。
func (s *CommissionService) ProcessPurchase(ctx context.Context, ev *PurchaseEvent) (*PurchaseResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	rates, err := s.ratesFor(ev)
	if err != nil {
		return nil, err
	}

	exists, err := s.commissionRepo.ExistsByPurchaseID(ctx, nil, ev.PurchaseID)
	if err != nil {
		return nil, fmt.Errorf("查询佣金记录失败: %w", err)
	}
	if exists {
		return s.duplicateResult(ctx, ev.PurchaseID)
	}

	unlock, err := s.locker.Lock(ctx, purchaseLockKey(ev.PurchaseID))
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer unlock()

	resolution, err := s.resolver.Resolve(ctx, ev.PurchaserID)
	if err != nil {
		return nil, err
	}

	result := &PurchaseResult{PurchaseID: ev.PurchaseID}
	for _, c := range resolution.Cycles {
		if c.Level <= commissionLevels {
			result.SkippedLevels = append(result.SkippedLevels, c.Level)
		}
	}

	planned := s.plan(ev, rates, resolution)
	if len(planned) == 0 {
		s.logger.Info("购买无需分佣",
			zap.String("purchase_id", ev.PurchaseID),
			zap.Int64("purchaser_id", ev.PurchaserID),
		)
		return result, nil
	}

	beneficiaries := make([]int64, 0, len(planned))
	for _, c := range planned {
		beneficiaries = append(beneficiaries, c.BeneficiaryID)
	}

	err = s.wallets.WithWallets(ctx, beneficiaries, func(ltx *LedgerTx) error {
		exists, err := s.commissionRepo.ExistsByPurchaseID(ctx, ltx.DB(), ev.PurchaseID)
		if err != nil {
			return fmt.Errorf("查询佣金记录失败: %w", err)
		}
		if exists {
			return ErrDuplicatePurchase
		}

		for _, c := range planned {
			if err := s.commissionRepo.Create(ctx, ltx.DB(), c); err != nil {
				if errors.Is(err, repository.ErrDuplicateCommission) {
					return ErrDuplicatePurchase
				}
				return fmt.Errorf("写入佣金记录失败: %w", err)
			}

			description := fmt.Sprintf("level %d commission: package %s, purchase %s", c.Level, c.PackageID, c.PurchaseID)
			ref := Reference{Type: model.RefTypeCommission, No: c.CommissionNo}
			if _, err := ltx.Credit(c.BeneficiaryID, c.Amount, description, ref); err != nil {
				return fmt.Errorf("佣金入账失败: %w", err)
			}
		}

		msg, err := model.NewOutboxMessage(s.eventTopic, ev.PurchaseID, model.EventCommissionCreated, planned)
		if err != nil {
			return fmt.Errorf("构造消息失败: %w", err)
		}
		if err := s.outboxRepo.Create(ctx, ltx.DB(), msg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}
		return nil
	})

	if errors.Is(err, ErrDuplicatePurchase) {
		return s.duplicateResult(ctx, ev.PurchaseID)
	}
	if err != nil {
		return nil, err
	}

	for _, c := range planned {
		level := strconv.Itoa(c.Level)
		metrics.CommissionsCreated.WithLabelValues(level).Inc()
		metrics.CommissionAmount.WithLabelValues(level).Add(float64(c.Amount))
		s.logger.Info("佣金入账成功",
			zap.String("purchase_id", c.PurchaseID),
			zap.String("commission_no", c.CommissionNo),
			zap.Int64("beneficiary_id", c.BeneficiaryID),
			zap.Int("level", c.Level),
			zap.Stringer("amount", c.Amount),
		)
	}

	result.Commissions = planned
	return result, nil
}

// ratesFor 事件自带比例覆盖本地配置，合并后两级合计不能超过 100%
func (s *CommissionService) ratesFor(ev *PurchaseEvent) (Rates, error) {
	rates := s.rates.For(ev.PackageID)
	if ev.Level1Rate != nil {
		rates.Level1 = *ev.Level1Rate
	}
	if ev.Level2Rate != nil {
		rates.Level2 = *ev.Level2Rate
	}
	if rates.Level1.Add(rates.Level2).GreaterThan(decimal.NewFromInt(100)) {
		return Rates{}, fmt.Errorf("%w: 两级佣金比例合计超过 100%%: %s + %s",
			ErrInvalidPurchase, rates.Level1, rates.Level2)
	}
	return rates, nil
}

// plan 计算每一层的佣金，金额为 0 的层级不入账也不记录
func (s *CommissionService) plan(ev *PurchaseEvent, rates Rates, resolution *Resolution) []*model.Commission {
	var planned []*model.Commission
	for _, a := range resolution.Ancestors {
		if a.Level > commissionLevels {
			continue
		}
		rate := rates.ForLevel(a.Level)
		amount := ev.Amount.Percent(rate)
		if !amount.IsPositive() {
			s.logger.Debug("佣金金额为0，跳过",
				zap.String("purchase_id", ev.PurchaseID),
				zap.Int("level", a.Level),
			)
			continue
		}
		planned = append(planned, &model.Commission{
			CommissionNo:   idgen.GenerateCommissionNo(),
			BeneficiaryID:  a.UserID,
			PurchaseID:     ev.PurchaseID,
			SourceUserID:   ev.PurchaserID,
			Level:          a.Level,
			PackageID:      ev.PackageID,
			PurchaseAmount: ev.Amount,
			Rate:           rate,
			Amount:         amount,
			Status:         model.CommissionStatusPending,
		})
	}
	return planned
}

func (s *CommissionService) duplicateResult(ctx context.Context, purchaseID string) (*PurchaseResult, error) {
	metrics.DuplicatePurchases.Inc()
	s.logger.Info("重复的购买事件，忽略", zap.String("purchase_id", purchaseID))

	commissions, err := s.commissionRepo.ListByPurchaseID(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("查询佣金记录失败: %w", err)
	}
	return &PurchaseResult{
		PurchaseID:  purchaseID,
		Duplicate:   true,
		Commissions: commissions,
	}, nil
}

// CommissionBucket 数量 + 金额
type CommissionBucket struct {
	Count  int64        `json:"count"`
	Amount money.Amount `json:"amount"`
}

// CommissionSummary 佣金汇总（按状态、按层级）
type CommissionSummary struct {
	UserID  int64            `json:"user_id"`
	Total   CommissionBucket `json:"total"`
	Pending CommissionBucket `json:"pending"`
	Paid    CommissionBucket `json:"paid"`
	Level1  CommissionBucket `json:"level1_commissions"`
	Level2  CommissionBucket `json:"level2_commissions"`
}

func (b *CommissionBucket) add(count int64, amount money.Amount) {
	b.Count += count
	b.Amount += amount
}

func (s *CommissionService) Summary(ctx context.Context, userID int64) (*CommissionSummary, error) {
	rows, err := s.commissionRepo.AggregateByBeneficiary(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &CommissionSummary{UserID: userID}
	for _, row := range rows {
		summary.Total.add(row.Count, row.Total)
		switch row.Status {
		case model.CommissionStatusPending:
			summary.Pending.add(row.Count, row.Total)
		case model.CommissionStatusPaid:
			summary.Paid.add(row.Count, row.Total)
		}
		switch row.Level {
		case model.CommissionLevel1:
			summary.Level1.add(row.Count, row.Total)
		case model.CommissionLevel2:
			summary.Level2.add(row.Count, row.Total)
		}
	}
	return summary, nil
}

func (s *CommissionService) List(ctx context.Context, userID int64, page, pageSize int) ([]*model.Commission, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.commissionRepo.ListByBeneficiary(ctx, userID, page, pageSize)
}

// MarkPaidForPayout 提现完成后按时间先后把被覆盖的佣金标记为 paid。
// 只是记账标签，不影响余额；累计金额超过提现金额的佣金保持 pending。
func (s *CommissionService) MarkPaidForPayout(ctx context.Context, tx *gorm.DB, userID int64, payoutNo string, amount money.Amount) (int, error) {
	pending, err := s.commissionRepo.ListPendingForUpdate(ctx, tx, userID)
	if err != nil {
		return 0, err
	}

	var (
		covered money.Amount
		ids     []int64
	)
	for _, c := range pending {
		if covered+c.Amount > amount {
			break
		}
		covered += c.Amount
		ids = append(ids, c.ID)
	}

	if err := s.commissionRepo.MarkPaid(ctx, tx, ids, payoutNo, time.Now()); err != nil {
		return 0, err
	}
	return len(ids), nil
}
