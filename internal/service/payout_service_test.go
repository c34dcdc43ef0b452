package service

import (
	"context"
	"sync"
	"testing"

	"affiliate/internal/model"
	"affiliate/pkg/money"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payoutUser int64 = 42

func seedBalance(t *testing.T, env *testEnv, amount string) {
	t.Helper()
	_, err := env.wallets.Credit(context.Background(), payoutUser, money.MustParse(amount), "seed", testRef)
	require.NoError(t, err)
}

func requestPayout(t *testing.T, env *testEnv, amount string) *model.Payout {
	t.Helper()
	p, err := env.payouts.Request(context.Background(), &PayoutRequest{
		UserID: payoutUser,
		Amount: money.MustParse(amount),
		Method: "bank",
	})
	require.NoError(t, err)
	return p
}

func balanceOf(t *testing.T, env *testEnv) money.Amount {
	t.Helper()
	return env.requireConsistent(t, payoutUser).Balance
}

func TestPayoutService_ApproveThenComplete(t *testing.T) {
	env := newTestEnv(t)
	seedBalance(t, env, "600")
	ctx := context.Background()

	p := requestPayout(t, env, "600")
	assert.Equal(t, model.PayoutStatusPending, p.Status)
	assert.Equal(t, money.MustParse("600"), balanceOf(t, env), "申请时不扣款")

	approved, err := env.payouts.Approve(ctx, p.PayoutNo)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusProcessing, approved.Status)
	assert.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, money.Zero, balanceOf(t, env))

	completed, err := env.payouts.Complete(ctx, p.PayoutNo, "TXN1")
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusCompleted, completed.Status)
	assert.Equal(t, "TXN1", completed.TransactionID)
	assert.NotNil(t, completed.CompletedAt)
	assert.Equal(t, money.Zero, balanceOf(t, env))

	stored, err := env.payouts.Get(ctx, p.PayoutNo)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusCompleted, stored.Status)
	assert.Equal(t, "TXN1", stored.TransactionID)

	wallet, err := env.wallets.GetBalance(ctx, payoutUser)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("600"), wallet.TotalWithdrawn)

	entries, err := env.wallets.GetTransactions(ctx, payoutUser, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2, "只在审核通过时扣款一次")
	assert.Equal(t, model.RefTypePayout, entries[0].RefType)
	assert.Equal(t, p.PayoutNo, entries[0].RefNo)

	for _, event := range []string{model.EventPayoutRequested, model.EventPayoutProcessing, model.EventPayoutCompleted} {
		assert.Equal(t, int64(1), env.outboxCount(t, event), event)
	}
}

func TestPayoutService_CancelWhileProcessing(t *testing.T) {
	env := newTestEnv(t)
	seedBalance(t, env, "600")
	ctx := context.Background()

	p := requestPayout(t, env, "600")
	_, err := env.payouts.Approve(ctx, p.PayoutNo)
	require.NoError(t, err)
	require.Equal(t, money.Zero, balanceOf(t, env))

	cancelled, err := env.payouts.Cancel(ctx, p.PayoutNo, "bank account closed")
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusCancelled, cancelled.Status)
	assert.Equal(t, "bank account closed", cancelled.RejectionReason)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, money.MustParse("600"), balanceOf(t, env))

	entries, err := env.wallets.GetTransactions(ctx, payoutUser, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, model.TransactionTypeCredit, entries[0].Type)
	assert.Equal(t, model.RefTypePayoutReversal, entries[0].RefType)
	assert.Equal(t, "payout reversal", entries[0].Description)
}

func TestPayoutService_RejectPending(t *testing.T) {
	env := newTestEnv(t)
	seedBalance(t, env, "600")
	ctx := context.Background()

	p := requestPayout(t, env, "550")
	rejected, err := env.payouts.Reject(ctx, p.PayoutNo, "incomplete KYC")
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusCancelled, rejected.Status)
	assert.Equal(t, "incomplete KYC", rejected.RejectionReason)
	assert.Equal(t, money.MustParse("600"), balanceOf(t, env))

	entries, err := env.wallets.GetTransactions(ctx, payoutUser, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// 驳回后可以重新申请
	requestPayout(t, env, "500")
}

func TestPayoutService_CancelPendingActsLikeReject(t *testing.T) {
	env := newTestEnv(t)
	seedBalance(t, env, "600")

	p := requestPayout(t, env, "600")
	cancelled, err := env.payouts.Cancel(context.Background(), p.PayoutNo, "")
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusCancelled, cancelled.Status)
	assert.Equal(t, money.MustParse("600"), balanceOf(t, env))
}

func TestPayoutService_RequestValidation(t *testing.T) {
	env := newTestEnv(t)
	seedBalance(t, env, "600")
	ctx := context.Background()

	tests := []struct {
		name    string
		amount  money.Amount
		wantErr error
	}{
		{"zero", 0, ErrInvalidAmount},
		{"negative", -100, ErrInvalidAmount},
		{"below minimum", money.MustParse("499.99"), ErrBelowMinimumPayout},
		{"above balance", money.MustParse("600.01"), ErrInsufficientFunds},
		{"above single limit", money.MaxAmount + 1, ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.payouts.Request(ctx, &PayoutRequest{UserID: payoutUser, Amount: tt.amount})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := env.payouts.Request(ctx, &PayoutRequest{UserID: -1, Amount: money.MustParse("500")})
	assert.ErrorIs(t, err, ErrInvalidUserID)

	payouts, total, err := env.payouts.ListByUser(ctx, payoutUser, "", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, payouts)
}

func TestPayoutService_SingleOutstanding(t *testing.T) {
	env := newTestEnv(t)
	seedBalance(t, env, "1200")
	ctx := context.Background()

	p := requestPayout(t, env, "500")
	_, err := env.payouts.Request(ctx, &PayoutRequest{UserID: payoutUser, Amount: money.MustParse("500")})
	assert.ErrorIs(t, err, ErrOutstandingPayout)

	_, err = env.payouts.Approve(ctx, p.PayoutNo)
	require.NoError(t, err)
	_, err = env.payouts.Request(ctx, &PayoutRequest{UserID: payoutUser, Amount: money.MustParse("500")})
	assert.ErrorIs(t, err, ErrOutstandingPayout, "processing 也算在途")

	_, err = env.payouts.Complete(ctx, p.PayoutNo, "")
	require.NoError(t, err)
	requestPayout(t, env, "500")
}

func TestPayoutService_ApproveFailsWhenBalanceChanged(t *testing.T) {
	env := newTestEnv(t)
	seedBalance(t, env, "600")
	ctx := context.Background()

	p := requestPayout(t, env, "600")
	_, err := env.wallets.Debit(ctx, payoutUser, money.MustParse("200"), "other", testRef)
	require.NoError(t, err)

	_, err = env.payouts.Approve(ctx, p.PayoutNo)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	stored, err := env.payouts.Get(ctx, p.PayoutNo)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusPending, stored.Status)
	assert.Equal(t, money.MustParse("400"), balanceOf(t, env))
	assert.Equal(t, int64(0), env.outboxCount(t, model.EventPayoutProcessing))
}

func TestPayoutService_StateConflicts(t *testing.T) {
	env := newTestEnv(t)
	seedBalance(t, env, "600")
	ctx := context.Background()

	p := requestPayout(t, env, "600")

	_, err := env.payouts.Complete(ctx, p.PayoutNo, "TXN")
	assert.ErrorIs(t, err, ErrPayoutStateConflict, "pending 不能直接完成")

	_, err = env.payouts.Approve(ctx, p.PayoutNo)
	require.NoError(t, err)

	_, err = env.payouts.Approve(ctx, p.PayoutNo)
	assert.ErrorIs(t, err, ErrPayoutStateConflict)
	_, err = env.payouts.Reject(ctx, p.PayoutNo, "late")
	assert.ErrorIs(t, err, ErrPayoutStateConflict, "已扣款的提现只能撤销")

	_, err = env.payouts.Complete(ctx, p.PayoutNo, "TXN1")
	require.NoError(t, err)

	for _, op := range []func() (*model.Payout, error){
		func() (*model.Payout, error) { return env.payouts.Approve(ctx, p.PayoutNo) },
		func() (*model.Payout, error) { return env.payouts.Complete(ctx, p.PayoutNo, "TXN2") },
		func() (*model.Payout, error) { return env.payouts.Cancel(ctx, p.PayoutNo, "x") },
		func() (*model.Payout, error) { return env.payouts.Reject(ctx, p.PayoutNo, "x") },
	} {
		_, err := op()
		assert.ErrorIs(t, err, ErrPayoutStateConflict)
	}

	assert.Equal(t, money.Zero, balanceOf(t, env))

	_, err = env.payouts.Approve(ctx, "WDR-missing")
	assert.ErrorIs(t, err, ErrPayoutNotFound)
}

func TestPayoutService_ConcurrentApprove(t *testing.T) {
	env := newTestEnv(t)
	seedBalance(t, env, "600")
	ctx := context.Background()

	p := requestPayout(t, env, "600")

	const n = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.payouts.Approve(ctx, p.PayoutNo)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			assert.ErrorIs(t, err, ErrPayoutStateConflict)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, money.Zero, balanceOf(t, env))
}

func TestPayoutService_CompleteMarksCommissionsPaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.graph.Link(100, payoutUser)
	env.graph.Link(101, payoutUser)

	for i, buyer := range []int64{100, 101, 100} {
		_, err := env.commissions.ProcessPurchase(ctx, &PurchaseEvent{
			PurchaseID:  "paid-" + string(rune('a'+i)),
			PurchaserID: buyer,
			PackageID:   "pro",
			Amount:      money.MustParse("1000"), // 每笔 400
		})
		require.NoError(t, err)
	}

	p := requestPayout(t, env, "1000")
	_, err := env.payouts.Approve(ctx, p.PayoutNo)
	require.NoError(t, err)
	_, err = env.payouts.Complete(ctx, p.PayoutNo, "")
	require.NoError(t, err)

	summary, err := env.commissions.Summary(ctx, payoutUser)
	require.NoError(t, err)
	assert.Equal(t, CommissionBucket{Count: 2, Amount: money.MustParse("800")}, summary.Paid)
	assert.Equal(t, CommissionBucket{Count: 1, Amount: money.MustParse("400")}, summary.Pending)
	assert.Equal(t, money.MustParse("200"), balanceOf(t, env))

	stored, err := env.payouts.Get(ctx, p.PayoutNo)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.TransactionID, "未提供流水号时生成结算参考号")
}

func TestPayoutService_EligibilityAndLists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e, err := env.payouts.Eligibility(ctx, payoutUser)
	require.NoError(t, err)
	assert.False(t, e.Eligible)
	assert.Equal(t, money.MustParse("500"), e.MinAmount)

	seedBalance(t, env, "600")
	e, err = env.payouts.Eligibility(ctx, payoutUser)
	require.NoError(t, err)
	assert.True(t, e.Eligible)

	p := requestPayout(t, env, "600")
	e, err = env.payouts.Eligibility(ctx, payoutUser)
	require.NoError(t, err)
	assert.False(t, e.Eligible)
	assert.True(t, e.HasOutstanding)

	pending, total, err := env.payouts.ListByStatus(ctx, model.PayoutStatusPending, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, p.PayoutNo, pending[0].PayoutNo)

	_, total, err = env.payouts.ListByUser(ctx, payoutUser, model.PayoutStatusCompleted, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}
