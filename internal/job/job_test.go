package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"affiliate/internal/infrastructure/database/dbtest"
	"affiliate/internal/infrastructure/lock"
	"affiliate/internal/infrastructure/mq"
	"affiliate/internal/model"
	"affiliate/internal/repository"
	"affiliate/internal/service"
	"affiliate/pkg/money"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOutboxSender_Sends(t *testing.T) {
	db := dbtest.New(t)
	repo := repository.NewOutboxRepository(db)
	ctx := context.Background()

	for _, key := range []string{"1", "2"} {
		msg, err := model.NewOutboxMessage("ledger-event", key, model.EventPayoutRequested, map[string]string{"k": key})
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, nil, msg))
	}

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()

	sender := NewOutboxSender(db, mq.NewProducerFrom(producer), 3, zaptest.NewLogger(t))
	assert.Equal(t, 2, sender.processPendingMessages(ctx))
	assert.Equal(t, 0, sender.processPendingMessages(ctx))

	sent, err := repo.CountByStatus(ctx, model.OutboxStatusSent)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sent)
	require.NoError(t, producer.Close())
}

type failingPublisher struct {
	calls int
}

func (p *failingPublisher) SendMessage(topic, key, value string) error {
	p.calls++
	return errors.New("broker unavailable")
}

func TestOutboxSender_RetryThenFail(t *testing.T) {
	db := dbtest.New(t)
	repo := repository.NewOutboxRepository(db)
	ctx := context.Background()

	msg, err := model.NewOutboxMessage("ledger-event", "1", model.EventCommissionCreated, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, nil, msg))

	publisher := &failingPublisher{}
	sender := NewOutboxSender(db, publisher, 3, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		sender.processPendingMessages(ctx)
	}
	assert.Equal(t, 3, publisher.calls, "达到最大重试次数后不再发送")

	failed, err := repo.CountByStatus(ctx, model.OutboxStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
}

type fakeProcessor struct {
	mu       sync.Mutex
	failures int
	events   []*service.PurchaseEvent
	err      error
}

func (p *fakeProcessor) ProcessPurchase(_ context.Context, ev *service.PurchaseEvent) (*service.PurchaseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("database is locked")
	}
	if p.err != nil {
		return nil, p.err
	}
	return &service.PurchaseResult{PurchaseID: ev.PurchaseID}, nil
}

func purchaseMessage(t *testing.T, offset int64, ev *service.PurchaseEvent) *sarama.ConsumerMessage {
	t.Helper()
	value, err := json.Marshal(ev)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: "purchase-completed", Partition: 0, Offset: offset, Value: value}
}

func TestPurchaseConsumer_HandleMessage(t *testing.T) {
	ctx := context.Background()
	ev := &service.PurchaseEvent{PurchaseID: "P-1", PurchaserID: 3, PackageID: "pro", Amount: money.MustParse("2950")}

	processor := &fakeProcessor{}
	c := NewPurchaseConsumer(nil, "purchase-completed", processor, zaptest.NewLogger(t))

	require.NoError(t, c.handleMessage(ctx, purchaseMessage(t, 1, ev)))
	require.Len(t, processor.events, 1)
	assert.Equal(t, money.MustParse("2950"), processor.events[0].Amount)

	// 无法解析的消息直接跳过
	require.NoError(t, c.handleMessage(ctx, &sarama.ConsumerMessage{Value: []byte("{not json")}))
	assert.Len(t, processor.events, 1)

	// 参数不合法的消息跳过，其它错误交给重试
	processor.err = service.ErrInvalidPurchase
	assert.NoError(t, c.handleMessage(ctx, purchaseMessage(t, 2, ev)))
	processor.err = errors.New("connection refused")
	assert.Error(t, c.handleMessage(ctx, purchaseMessage(t, 3, ev)))
}

type fakeSession struct {
	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }

func (s *fakeSession) MemberID() string { return "test" }

func (s *fakeSession) GenerationID() int32 { return 1 }

func (s *fakeSession) MarkOffset(string, int32, int64, string) {}

func (s *fakeSession) ResetOffset(string, int32, int64, string) {}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "purchase-completed" }

func (c *fakeClaim) Partition() int32 { return 0 }

func (c *fakeClaim) InitialOffset() int64 { return 0 }

func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestPurchaseConsumer_ConsumeClaimRetriesBeforeCommit(t *testing.T) {
	processor := &fakeProcessor{failures: 2}
	c := NewPurchaseConsumer(nil, "purchase-completed", processor, zaptest.NewLogger(t))
	c.retryInterval = time.Millisecond

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- purchaseMessage(t, 10, &service.PurchaseEvent{PurchaseID: "P-10", PurchaserID: 3, PackageID: "pro", Amount: 100})
	claim.messages <- purchaseMessage(t, 11, &service.PurchaseEvent{PurchaseID: "P-11", PurchaserID: 3, PackageID: "pro", Amount: 100})
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{10, 11}, session.marked)
	assert.Equal(t, 2, session.commits)
	assert.Len(t, processor.events, 4, "前两次失败后重试成功")
}

func TestPurchaseConsumer_SessionEndsWithoutCommit(t *testing.T) {
	processor := &fakeProcessor{failures: 1 << 30}
	c := NewPurchaseConsumer(nil, "purchase-completed", processor, zaptest.NewLogger(t))
	c.retryInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- purchaseMessage(t, 5, &service.PurchaseEvent{PurchaseID: "P-5", PurchaserID: 3, PackageID: "pro", Amount: 100})

	session := &fakeSession{ctx: ctx}
	require.NoError(t, c.ConsumeClaim(session, claim))
	assert.Empty(t, session.marked)
	assert.Zero(t, session.commits)
}

// brokenGroup 每次 Consume 都失败的消费组
type brokenGroup struct {
	sarama.ConsumerGroup
	mu     sync.Mutex
	calls  int
	errors chan error
}

func (g *brokenGroup) Consume(context.Context, []string, sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return errors.New("kafka: client has run out of available brokers")
}

func (g *brokenGroup) Errors() <-chan error { return g.errors }

func TestPurchaseConsumer_BacksOffWhenConsumeFails(t *testing.T) {
	group := &brokenGroup{errors: make(chan error)}
	close(group.errors)

	c := NewPurchaseConsumer(group, "purchase-completed", &fakeProcessor{}, zaptest.NewLogger(t))
	c.retryInterval = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ctx 取消后任务没有退出")
	}

	group.mu.Lock()
	defer group.mu.Unlock()
	assert.GreaterOrEqual(t, group.calls, 2, "失败后应继续重试")
	assert.LessOrEqual(t, group.calls, 4, "两次 Consume 之间必须等待 retryInterval")
}

func TestLedgerReconcileJob_RunOnce(t *testing.T) {
	db := dbtest.New(t)
	wallets := service.NewWalletService(db, lock.NewLocalLocker(), zaptest.NewLogger(t))
	ctx := context.Background()
	ref := service.Reference{Type: model.RefTypeCommission, No: "CMS1"}

	for userID := int64(1); userID <= 5; userID++ {
		_, err := wallets.Credit(ctx, userID, money.FromUnits(userID*10), "seed", ref)
		require.NoError(t, err)
	}

	job := NewLedgerReconcileJob(wallets, time.Minute, 2, zaptest.NewLogger(t))
	checked, mismatched, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, checked)
	assert.Zero(t, mismatched)

	require.NoError(t, db.Model(&model.Wallet{}).Where("user_id = ?", 3).
		Update("total_earned", money.FromUnits(1)).Error)

	checked, mismatched, err = job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, checked)
	assert.Equal(t, 1, mismatched)
}
