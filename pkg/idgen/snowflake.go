package idgen

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 流水号直接使用 64 位雪花 ID：
//   - 全局唯一，作为 balance_transaction 主键
//   - 同一进程内严格递增，分页时作为 created_at 相同时的次级排序键
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
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

// NewSnowflake 创建独立的生成器
func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("workerID 必须在 0-%d 之间", maxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

// Init 初始化默认ID生成器，只有第一次调用生效
func Init(workerID int64) {
	once.Do(func() {
		s, err := NewSnowflake(workerID)
		if err != nil {
			log.Fatalf("初始化ID生成器失败: %v", err)
		}
		defaultGenerator = s
	})
}

// NextID 生成下一个ID，未初始化时使用 workerID = 1
func NextID() int64 {
	Init(1)
	return defaultGenerator.Generate()
}

// Generate 生成ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	// 时钟回拨时等到追上上一次的时间戳
	for now < s.timestamp {
		now = time.Now().UnixMilli()
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
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

// GenerateTransactionID 生成流水号
func GenerateTransactionID() int64 {
	return NextID()
}

// BalanceChangedKey balance.changed 消息去重键
func BalanceChangedKey(transactionID int64) string {
	return fmt.Sprintf("balance-changed:%d", transactionID)
}

// DebtReminderKey debt.reminder 消息去重键，同一用户每天一条
func DebtReminderKey(userID string, day time.Time) string {
	return fmt.Sprintf("debt-reminder:%s:%s", userID, day.UTC().Format("20060102"))
}
