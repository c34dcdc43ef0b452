package job

import (
	"context"
	"time"

	"affiliate/internal/infrastructure/logging"
	"affiliate/internal/infrastructure/metrics"
	"affiliate/internal/service"

	"go.uber.org/zap"
)

// LedgerReconcileJob 定期分批重放所有钱包的流水，发现余额与流水不一致时告警
type LedgerReconcileJob struct {
	wallets   *service.WalletService
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

func NewLedgerReconcileJob(wallets *service.WalletService, interval time.Duration, batchSize int, logger *zap.Logger) *LedgerReconcileJob {
	if interval <= 0 {
		interval = time.Hour
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &LedgerReconcileJob{
		wallets:   wallets,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: batchSize,
		logger:    logging.OrNop(logger).Named("reconcile"),
	}
}

func (j *LedgerReconcileJob) Start(ctx context.Context) {
	j.logger.Info("钱包对账任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.logger.Info("任务停止")
			return
		case <-ticker.C:
			if _, _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("对账失败", zap.Error(err))
			}
		}
	}
}

func (j *LedgerReconcileJob) Stop() {
	close(j.stopCh)
}

// RunOnce 对所有钱包执行一轮对账，返回检查数与不一致数
func (j *LedgerReconcileJob) RunOnce(ctx context.Context) (checked, mismatched int, err error) {
	var afterID int64
	for {
		wallets, err := j.wallets.ListWallets(ctx, afterID, j.batchSize)
		if err != nil {
			return checked, mismatched, err
		}
		if len(wallets) == 0 {
			break
		}

		for _, w := range wallets {
			report, err := j.wallets.Reconcile(ctx, w.UserID)
			if err != nil {
				return checked, mismatched, err
			}
			checked++
			if !report.Consistent() {
				mismatched++
				j.logger.Error("钱包余额与流水不一致",
					zap.Int64("user_id", w.UserID),
					zap.Stringer("balance", report.Balance),
					zap.Stringer("replayed_balance", report.ReplayedBalance),
					zap.Strings("problems", report.Problems),
				)
			}
		}
		afterID = wallets[len(wallets)-1].ID
	}

	metrics.MismatchedWallets.Set(float64(mismatched))
	j.logger.Info("对账完成", zap.Int("checked", checked), zap.Int("mismatched", mismatched))
	return checked, mismatched, nil
}
