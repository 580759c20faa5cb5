package job

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"billing/internal/config"
	"billing/internal/model"
	"billing/internal/repository"
	"billing/pkg/idgen"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DebtReconcileJob 定期扫描欠费用户，每人每天写一条 debt.reminder 到 outbox
// 同一天重复执行时由 outbox 的 dedup_key 唯一索引吸收
type DebtReconcileJob struct {
	balanceRepo *repository.BalanceRepository
	outboxRepo  *repository.OutboxRepository
	topic       string
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	now         func() time.Time
}

func NewDebtReconcileJob(db *gorm.DB, cfg *config.Config) *DebtReconcileJob {
	return &DebtReconcileJob{
		balanceRepo: repository.NewBalanceRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		topic:       cfg.Kafka.Topic.DebtReminder,
		stopCh:      make(chan struct{}),
		interval:    cfg.Jobs.DebtReconcileInterval(),
		batchSize:   cfg.Jobs.DebtReconcileBatchSize,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (j *DebtReconcileJob) Start(ctx context.Context) {
	log.Println("[DebtReconcileJob] 欠费对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[DebtReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[DebtReconcileJob] 任务停止")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				log.Printf("[DebtReconcileJob] 本轮对账失败: %v", err)
			}
		}
	}
}

func (j *DebtReconcileJob) Stop() {
	close(j.stopCh)
}

// RunOnce 扫描全部欠费用户，返回本轮新写入的提醒数
func (j *DebtReconcileJob) RunOnce(ctx context.Context) (int, error) {
	asOf := j.now()
	enqueued := 0
	after := uuid.Nil

	for {
		debtors, err := j.balanceRepo.GetUsersWithDebt(ctx, after, j.batchSize)
		if err != nil {
			return enqueued, err
		}
		if len(debtors) == 0 {
			break
		}

		for _, balance := range debtors {
			ok, err := j.enqueueReminder(ctx, balance, asOf)
			if err != nil {
				return enqueued, err
			}
			if ok {
				enqueued++
			}
		}

		after = debtors[len(debtors)-1].UserID
		if len(debtors) < j.batchSize {
			break
		}
	}

	if enqueued > 0 {
		log.Printf("[DebtReconcileJob] 本轮写入 %d 条欠费提醒", enqueued)
	}
	return enqueued, nil
}

func (j *DebtReconcileJob) enqueueReminder(ctx context.Context, balance *model.Balance, asOf time.Time) (bool, error) {
	payload, err := json.Marshal(model.DebtReminderEvent{
		UserID:         balance.UserID,
		Debt:           balance.Debt,
		CurrentBalance: balance.CurrentBalance,
		AsOf:           asOf,
	})
	if err != nil {
		return false, err
	}

	err = j.outboxRepo.Create(ctx, nil, &model.OutboxMessage{
		DedupKey:   idgen.DebtReminderKey(balance.UserID.String(), asOf),
		MessageKey: balance.UserID.String(),
		Topic:      j.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
	if errors.Is(err, repository.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
