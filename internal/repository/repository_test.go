package repository

import (
	"context"
	"testing"
	"time"

	"affiliate/internal/infrastructure/database/dbtest"
	"affiliate/internal/model"
	"affiliate/pkg/money"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommission(no string, beneficiary int64, level int) *model.Commission {
	return &model.Commission{
		CommissionNo:   no,
		BeneficiaryID:  beneficiary,
		PurchaseID:     "P-1",
		SourceUserID:   3,
		Level:          level,
		PackageID:      "pro",
		PurchaseAmount: money.MustParse("2950"),
		Rate:           decimal.NewFromInt(40),
		Amount:         money.MustParse("1180"),
		Status:         model.CommissionStatusPending,
	}
}

func TestCommissionRepository_Duplicate(t *testing.T) {
	db := dbtest.New(t)
	repo := NewCommissionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newCommission("CMS1", 2, 1)))
	err := repo.Create(ctx, nil, newCommission("CMS2", 2, 1))
	assert.ErrorIs(t, err, ErrDuplicateCommission)

	exists, err := repo.ExistsByPurchaseID(ctx, nil, "P-1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.ExistsByPurchaseID(ctx, nil, "P-2")
	require.NoError(t, err)
	assert.False(t, exists)

	stored, err := repo.ListByPurchaseID(ctx, "P-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, decimal.NewFromInt(40).Equal(stored[0].Rate))
	assert.Equal(t, money.MustParse("1180"), stored[0].Amount)
}

func TestCommissionRepository_MarkPaid(t *testing.T) {
	db := dbtest.New(t)
	repo := NewCommissionRepository(db)
	ctx := context.Background()

	c1 := newCommission("CMS1", 2, 1)
	c2 := newCommission("CMS2", 1, 2)
	require.NoError(t, repo.Create(ctx, nil, c1))
	require.NoError(t, repo.Create(ctx, nil, c2))

	pending, err := repo.ListPendingForUpdate(ctx, db, 2)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.MarkPaid(ctx, db, []int64{c1.ID}, "WDR1", time.Now()))
	require.NoError(t, repo.MarkPaid(ctx, db, nil, "WDR1", time.Now()))

	rows, err := repo.AggregateByBeneficiary(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.CommissionStatusPaid, rows[0].Status)
	assert.Equal(t, int64(1), rows[0].Count)
	assert.Equal(t, money.MustParse("1180"), rows[0].Total)
}

func TestWalletRepository_OptimisticLock(t *testing.T) {
	db := dbtest.New(t)
	repo := NewWalletRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.CreateIfAbsent(ctx, db, 1))
	require.NoError(t, repo.CreateIfAbsent(ctx, db, 1))

	w, err := repo.GetByUserID(ctx, 1)
	require.NoError(t, err)
	w.Balance = 100
	w.TotalEarned = 100
	require.NoError(t, repo.SaveBalances(ctx, db, w, 0))
	assert.Equal(t, 1, w.Version)

	assert.ErrorIs(t, repo.SaveBalances(ctx, db, w, 0), ErrOptimisticLock)

	_, err = repo.GetByUserID(ctx, 2)
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestPayoutRepository_UpdateStatus(t *testing.T) {
	db := dbtest.New(t)
	repo := NewPayoutRepository(db)
	ctx := context.Background()

	p := &model.Payout{PayoutNo: "WDR1", UserID: 1, Amount: 50000, Status: model.PayoutStatusPending}
	require.NoError(t, repo.Create(ctx, nil, p))

	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, "WDR1", model.PayoutStatusPending, model.PayoutStatusCompleted, nil),
		ErrPayoutStatusInvalid, "状态机不允许")
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, "WDR1", model.PayoutStatusProcessing, model.PayoutStatusCompleted, nil),
		ErrPayoutStatusInvalid, "当前状态不匹配")

	require.NoError(t, repo.UpdateStatus(ctx, nil, "WDR1", model.PayoutStatusPending, model.PayoutStatusProcessing,
		map[string]interface{}{"approved_at": time.Now()}))

	stored, err := repo.GetByPayoutNo(ctx, "WDR1")
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusProcessing, stored.Status)
	assert.NotNil(t, stored.ApprovedAt)

	count, err := repo.CountOutstanding(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = repo.GetByPayoutNo(ctx, "WDR2")
	assert.ErrorIs(t, err, ErrPayoutNotFound)
}

func TestReferralRepository_GetReferredBy(t *testing.T) {
	db := dbtest.New(t)
	repo := NewReferralRepository(db)
	ctx := context.Background()

	parent := int64(1)
	require.NoError(t, db.Create(&model.UserReferral{UserID: 2, ReferredBy: &parent}).Error)
	require.NoError(t, db.Create(&model.UserReferral{UserID: 1}).Error)

	got, ok, err := repo.GetReferredBy(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), got)

	_, ok, err = repo.GetReferredBy(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = repo.GetReferredBy(ctx, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOutboxRepository_MarkRetry(t *testing.T) {
	db := dbtest.New(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	msg, err := model.NewOutboxMessage("ledger-event", "1", model.EventPayoutCompleted, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, nil, msg))

	require.NoError(t, repo.MarkRetry(ctx, msg.ID, 2))
	pending, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)

	require.NoError(t, repo.MarkRetry(ctx, msg.ID, 2))
	failed, err := repo.CountByStatus(ctx, model.OutboxStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
}
