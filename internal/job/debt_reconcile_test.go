package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"billing/internal/config"
	"billing/internal/model"
	"billing/internal/repository"
	"billing/internal/testutil"
	"billing/pkg/idgen"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedBalance(t *testing.T, db *gorm.DB, debt string) uuid.UUID {
	t.Helper()
	repo := repository.NewBalanceRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	_, err := repo.Create(ctx, nil, userID)
	require.NoError(t, err)
	b, err := repo.GetByUserID(ctx, userID)
	require.NoError(t, err)

	next := *b
	next.Debt = testutil.Dec(debt)
	next.Version++
	require.NoError(t, repo.Update(ctx, nil, next, b.Version))
	return userID
}

func newDebtReconcileJob(db *gorm.DB, batchSize int, now time.Time) *DebtReconcileJob {
	cfg := &config.Config{}
	cfg.Kafka.Topic.DebtReminder = "debt.reminder"
	cfg.Jobs.DebtReconcileBatchSize = batchSize
	cfg.Jobs.DebtReconcileIntervalSeconds = 3600

	j := NewDebtReconcileJob(db, cfg)
	j.now = func() time.Time { return now }
	return j
}

func TestDebtReconcileJob_OneReminderPerDebtorPerDay(t *testing.T) {
	db := testutil.NewDB(t)
	var debtors []uuid.UUID
	for i := 0; i < 5; i++ {
		debtors = append(debtors, seedBalance(t, db, "10.50"))
	}
	seedBalance(t, db, "0")

	day := time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// 批大小 2，验证游标翻页覆盖全部欠费用户
	j := newDebtReconcileJob(db, 2, day)
	n, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// 同一天重跑被 dedup_key 吸收
	j.now = func() time.Time { return day.Add(10 * time.Hour) }
	n, err = j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 第二天重新提醒
	j.now = func() time.Time { return day.Add(24 * time.Hour) }
	n, err = j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	outbox := repository.NewOutboxRepository(db)
	msg, err := outbox.GetByDedupKey(ctx, idgen.DebtReminderKey(debtors[0].String(), day))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "debt.reminder", msg.Topic)
	assert.Equal(t, debtors[0].String(), msg.MessageKey)

	var event model.DebtReminderEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	assert.Equal(t, debtors[0], event.UserID)
	testutil.RequireDecimal(t, "10.50", event.Debt)
	assert.True(t, day.Equal(event.AsOf))
}

func TestDebtReconcileJob_NoDebtors(t *testing.T) {
	db := testutil.NewDB(t)
	seedBalance(t, db, "0")

	n, err := newDebtReconcileJob(db, 100, time.Now().UTC()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
