package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"affiliate/internal/infrastructure/logging"
	"affiliate/internal/service"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// PurchaseProcessor 佣金引擎
type PurchaseProcessor interface {
	ProcessPurchase(ctx context.Context, ev *service.PurchaseEvent) (*service.PurchaseResult, error)
}

// PurchaseConsumer 消费购买完成事件
//
// 处理成功（含重复事件）后才提交位点；处理失败时在当前会话内退避重试，
// 会话结束（重平衡、停机）时未提交的消息会被重新投递，佣金引擎的幂等保证不会重复入账。
// 无法解析或参数不合法的消息重试也不会成功，记录日志后跳过。
type PurchaseConsumer struct {
	group         sarama.ConsumerGroup
	topic         string
	processor     PurchaseProcessor
	retryInterval time.Duration
	logger        *zap.Logger
}

func NewPurchaseConsumer(group sarama.ConsumerGroup, topic string, processor PurchaseProcessor, logger *zap.Logger) *PurchaseConsumer {
	return &PurchaseConsumer{
		group:         group,
		topic:         topic,
		processor:     processor,
		retryInterval: time.Second,
		logger:        logging.OrNop(logger).Named("purchase_consumer"),
	}
}

// Start 阻塞直到 ctx 取消或消费组关闭
func (c *PurchaseConsumer) Start(ctx context.Context) {
	c.logger.Info("购买事件消费任务启动", zap.String("topic", c.topic))

	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("消费组错误", zap.Error(err))
		}
	}()

	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				c.logger.Info("消费组已关闭，任务退出")
				return
			}
			c.logger.Error("消费失败，稍后重试", zap.Error(err), zap.Duration("retry_in", c.retryInterval))
			select {
			case <-time.After(c.retryInterval):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			c.logger.Info("收到停止信号，任务退出")
			return
		}
	}
}

func (c *PurchaseConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *PurchaseConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *PurchaseConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !c.processWithRetry(ctx, msg) {
				// 会话结束，不提交位点
				return nil
			}
			session.MarkMessage(msg, "")
			session.Commit()
		case <-ctx.Done():
			return nil
		}
	}
}

// processWithRetry 返回 false 表示会话已结束而消息尚未处理成功
func (c *PurchaseConsumer) processWithRetry(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	for attempt := 1; ; attempt++ {
		err := c.handleMessage(ctx, msg)
		if err == nil {
			return true
		}

		c.logger.Warn("处理购买事件失败，稍后重试",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.retryInterval):
		}
	}
}

// handleMessage 返回的错误都是可重试的
func (c *PurchaseConsumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev service.PurchaseEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.Error("购买事件无法解析，跳过",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.ByteString("value", msg.Value),
			zap.Error(err),
		)
		return nil
	}

	result, err := c.processor.ProcessPurchase(ctx, &ev)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPurchase) || errors.Is(err, service.ErrInvalidAmount) {
			c.logger.Error("购买事件参数不合法，跳过",
				zap.String("purchase_id", ev.PurchaseID),
				zap.Error(err),
			)
			return nil
		}
		return err
	}

	c.logger.Info("购买事件处理完成",
		zap.String("purchase_id", result.PurchaseID),
		zap.Bool("duplicate", result.Duplicate),
		zap.Int("commissions", len(result.Commissions)),
		zap.Ints("skipped_levels", result.SkippedLevels),
	)
	return nil
}
