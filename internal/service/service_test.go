package service

import (
	"context"
	"testing"

	"affiliate/internal/config"
	"affiliate/internal/infrastructure/database/dbtest"
	"affiliate/internal/infrastructure/lock"
	"affiliate/internal/model"
	"affiliate/pkg/money"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const testEventTopic = "ledger-event"

type testEnv struct {
	db          *gorm.DB
	graph       *ReferralGraph
	wallets     *WalletService
	commissions *CommissionService
	payouts     *PayoutService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := dbtest.New(t)
	logger := zaptest.NewLogger(t)
	locker := lock.NewLocalLocker()
	graph := NewReferralGraph()

	rates := NewRateTable(config.CommissionConfig{
		Level1Rate: decimal.NewFromInt(40),
		Level2Rate: decimal.NewFromInt(10),
		Packages: map[string]config.PackageRate{
			"Starter": {Level1Rate: decimal.NewFromInt(30), Level2Rate: decimal.NewFromInt(5)},
		},
	})

	wallets := NewWalletService(db, locker, logger)
	commissions := NewCommissionService(db, locker, wallets, NewReferralResolver(graph, 2, logger), rates, testEventTopic, logger)
	payouts := NewPayoutService(db, wallets, commissions, PayoutPolicy{
		MinAmount:         money.MustParse("500"),
		SingleOutstanding: true,
	}, testEventTopic, logger)

	return &testEnv{
		db:          db,
		graph:       graph,
		wallets:     wallets,
		commissions: commissions,
		payouts:     payouts,
	}
}

// requireConsistent 钱包满足 balance = earned - withdrawn 且流水重放一致
func (e *testEnv) requireConsistent(t *testing.T, userID int64) *model.Wallet {
	t.Helper()

	report, err := e.wallets.Reconcile(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, report.Consistent(), "problems: %v", report.Problems)

	wallet, err := e.wallets.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, wallet.Consistent())
	return wallet
}

func (e *testEnv) outboxCount(t *testing.T, eventType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, e.db.Model(&model.OutboxMessage{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}
