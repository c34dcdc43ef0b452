package job

import (
	"context"
	"time"

	"affiliate/internal/infrastructure/logging"
	"affiliate/internal/infrastructure/mq"
	"affiliate/internal/model"
	"affiliate/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxSender 轮询 outbox_message，把账本事件投递到 Kafka
//
// 消息与业务数据在同一事务内写入，这里只负责“至少一次”地发出去；
// 超过最大重试次数的消息置为 FAILED，等待人工处理。
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	maxRetry   int
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	logger     *zap.Logger
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, maxRetry int, logger *zap.Logger) *OutboxSender {
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		maxRetry:   maxRetry,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
		logger:     logging.OrNop(logger).Named("outbox"),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.logger.Info("任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// processPendingMessages 发送一批消息，返回成功条数
func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	fields := []zap.Field{
		zap.Int64("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.String("key", msg.MessageKey),
		zap.String("event_type", msg.EventType),
	}

	err := s.publisher.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			s.logger.Error("更新消息状态失败", append(fields, zap.Error(updateErr))...)
			return false
		}
		s.logger.Debug("消息发送成功", fields...)
		return true
	}

	s.logger.Warn("消息发送失败", append(fields, zap.Int("retry_count", msg.RetryCount+1), zap.Error(err))...)

	if err := s.outboxRepo.MarkRetry(ctx, msg.ID, s.maxRetry); err != nil {
		s.logger.Error("更新重试次数失败", append(fields, zap.Error(err))...)
		return false
	}
	if msg.RetryCount+1 >= s.maxRetry {
		s.logger.Error("消息超过最大重试次数，标记为失败", fields...)
	}
	return false
}
