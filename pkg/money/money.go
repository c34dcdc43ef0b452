package money

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 定点金额
// ============================================================================
//
// 所有金额在系统内部以“分”为单位的 int64 存储，数据库列为 BIGINT，
// 与浮点数无关，百万级佣金累加也不会产生舍入漂移。
// 对外（JSON、配置、请求参数）统一使用两位小数的十进制字符串，如 "1180.00"。
//
// 比例计算（佣金 = 金额 × 百分比）使用 shopspring/decimal 完成，
// 结果按“四舍五入到分”落回 Amount。
//
// ============================================================================

const scale = 2

var (
	ErrInvalidFormat = errors.New("金额格式不合法")
	ErrTooPrecise    = errors.New("金额最多保留两位小数")
	ErrOverflow      = errors.New("金额超出范围")
)

var hundred = decimal.NewFromInt(100)

// Amount 金额，单位：分
type Amount int64

const Zero Amount = 0

// MaxAmount 单笔金额上限：十亿元
const MaxAmount Amount = 1_000_000_000_00

// FromDecimal 把十进制金额转换为 Amount，超过两位小数视为错误
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if !d.Equal(d.Truncate(scale)) {
		return 0, ErrTooPrecise
	}
	minor := d.Shift(scale)
	if !minor.BigInt().IsInt64() {
		return 0, ErrOverflow
	}
	return Amount(minor.IntPart()), nil
}

// Parse 解析 "1180"、"1180.5"、"1180.00" 这样的金额字符串
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	return FromDecimal(d)
}

// MustParse 仅用于常量和测试
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromUnits 整数金额（元）
func FromUnits(units int64) Amount {
	return Amount(units * 100)
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -scale)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(scale)
}

func (a Amount) IsPositive() bool {
	return a > 0
}

// Add 带溢出检查的加法，溢出时 ok 为 false
func (a Amount) Add(b Amount) (sum Amount, ok bool) {
	sum = a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// Percent 计算 a × rate%，四舍五入到分
func (a Amount) Percent(rate decimal.Decimal) Amount {
	v := decimal.NewFromInt(int64(a)).Mul(rate).Div(hundred).Round(0)
	return Amount(v.IntPart())
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON 同时接受 "12.34" 和 12.34 两种写法
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := string(bytes.Trim(data, `"`))
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Sum 合计
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, v := range amounts {
		total += v
	}
	return total
}
