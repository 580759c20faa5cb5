// Package testutil 测试公用的数据库和时钟
package testutil

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"billing/internal/infrastructure/database"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB 每个测试一个独立的内存 SQLite
// 只开一个连接：SQLite 不支持行锁，单连接让事务天然串行
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), database.GormConfig(logger.Silent))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

// Clock 每次调用前进一秒的假时钟，保证 created_at 严格递增
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// Dec 测试里构造金额
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DecPtr 可选金额字段
func DecPtr(s string) *decimal.Decimal {
	d := Dec(s)
	return &d
}

// RequireDecimal 按数值比较金额
func RequireDecimal(t testing.TB, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.True(t, Dec(want).Equal(got), append([]interface{}{fmt.Sprintf("want %s, got %s", want, got)}, msgAndArgs...)...)
}
