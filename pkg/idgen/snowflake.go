package idgen

import (
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 业务单号要求全局唯一、趋势递增、不暴露业务量。
//
// 【雪花算法结构】64位
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// 业务单号 = 前缀 + 年月日时分秒 + 雪花ID后8位：
//   CMS 佣金单号、WDR 提现单号、TXN 流水号、STL 结算参考号
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 起始时间戳（2024-01-01 00:00:00 UTC）
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

const (
	PrefixCommission  = "CMS"
	PrefixPayout      = "WDR"
	PrefixTransaction = "TXN"
	PrefixSettlement  = "STL"
)

// Snowflake 雪花算法ID生成器
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// New 创建独立的生成器
func New(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("workerID 必须在 0-%d 之间", maxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

// Init 初始化默认ID生成器，重复调用只有第一次生效
func Init(workerID int64) error {
	var err error
	once.Do(func() {
		defaultGenerator, err = New(workerID)
	})
	return err
}

// NextID 生成下一个ID
func NextID() int64 {
	_ = Init(1)
	return defaultGenerator.Generate()
}

// Generate 生成ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

func generateNo(prefix string) string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("%s%s%08d", prefix, timestamp, id%100000000)
}

// GenerateCommissionNo 生成佣金单号
func GenerateCommissionNo() string {
	return generateNo(PrefixCommission)
}

// GeneratePayoutNo 生成提现单号
func GeneratePayoutNo() string {
	return generateNo(PrefixPayout)
}

// GenerateTransactionNo 生成流水号
func GenerateTransactionNo() string {
	return generateNo(PrefixTransaction)
}

// GenerateSettlementRef 管理员未提供打款流水号时生成的结算参考号
func GenerateSettlementRef() string {
	return generateNo(PrefixSettlement)
}
