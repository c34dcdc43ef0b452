package service

import (
	"context"
	"errors"
	"fmt"

	"affiliate/internal/infrastructure/lock"
	"affiliate/internal/model"
	"affiliate/internal/repository"
	"affiliate/pkg/money"
)

// ReconcileReport 钱包对账结果
type ReconcileReport struct {
	UserID           int64        `json:"user_id"`
	Balance          money.Amount `json:"balance"`
	TotalEarned      money.Amount `json:"total_earned"`
	TotalWithdrawn   money.Amount `json:"total_withdrawn"`
	ReplayedBalance  money.Amount `json:"replayed_balance"`
	CreditTotal      money.Amount `json:"credit_total"`
	DebitTotal       money.Amount `json:"debit_total"`
	Entries          int          `json:"entries"`
	LastBalanceAfter money.Amount `json:"last_balance_after"`
	Problems         []string     `json:"problems,omitempty"`
}

func (r *ReconcileReport) Consistent() bool {
	return len(r.Problems) == 0
}

// Reconcile 按写入顺序重放流水，校验：
//   - 每笔流水的 balance_before / balance_after 首尾相接且不为负
//   - 重放结果 = 钱包余额 = 最后一笔流水的 balance_after
//   - 入账合计 = total_earned，出账合计 = total_withdrawn
//
// 对账期间持有钱包锁，避免读到一半的写入。
func (s *WalletService) Reconcile(ctx context.Context, userID int64) (*ReconcileReport, error) {
	unlock, err := s.locker.Lock(ctx, lock.WalletKey(userID))
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer unlock()

	report := &ReconcileReport{UserID: userID}

	wallet, err := s.walletRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return report, nil
		}
		return nil, err
	}
	report.Balance = wallet.Balance
	report.TotalEarned = wallet.TotalEarned
	report.TotalWithdrawn = wallet.TotalWithdrawn

	entries, err := s.transRepo.ListForReplay(ctx, wallet.ID)
	if err != nil {
		return nil, err
	}
	report.Entries = len(entries)

	var running money.Amount
	for _, e := range entries {
		if e.BalanceBefore != running {
			report.Problems = append(report.Problems,
				fmt.Sprintf("流水 %s 的 balance_before=%s，重放值=%s", e.TransactionNo, e.BalanceBefore, running))
		}
		if !e.Amount.IsPositive() {
			report.Problems = append(report.Problems,
				fmt.Sprintf("流水 %s 金额不为正: %s", e.TransactionNo, e.Amount))
		}
		running += e.Signed()
		if e.BalanceAfter != running {
			report.Problems = append(report.Problems,
				fmt.Sprintf("流水 %s 的 balance_after=%s，重放值=%s", e.TransactionNo, e.BalanceAfter, running))
		}
		if running < 0 {
			report.Problems = append(report.Problems,
				fmt.Sprintf("流水 %s 之后余额为负: %s", e.TransactionNo, running))
		}
		switch e.Type {
		case model.TransactionTypeCredit:
			report.CreditTotal += e.Amount
		case model.TransactionTypeDebit:
			report.DebitTotal += e.Amount
		}
		report.LastBalanceAfter = e.BalanceAfter
	}
	report.ReplayedBalance = running

	if running != wallet.Balance {
		report.Problems = append(report.Problems,
			fmt.Sprintf("重放余额 %s 与钱包余额 %s 不一致", running, wallet.Balance))
	}
	if len(entries) > 0 && report.LastBalanceAfter != wallet.Balance {
		report.Problems = append(report.Problems,
			fmt.Sprintf("最后一笔流水 balance_after=%s 与钱包余额 %s 不一致", report.LastBalanceAfter, wallet.Balance))
	}
	if !wallet.Consistent() {
		report.Problems = append(report.Problems,
			fmt.Sprintf("balance=%s 不等于 total_earned-total_withdrawn=%s", wallet.Balance, wallet.TotalEarned-wallet.TotalWithdrawn))
	}
	if report.CreditTotal != wallet.TotalEarned {
		report.Problems = append(report.Problems,
			fmt.Sprintf("入账合计 %s 与 total_earned %s 不一致", report.CreditTotal, wallet.TotalEarned))
	}
	if report.DebitTotal != wallet.TotalWithdrawn {
		report.Problems = append(report.Problems,
			fmt.Sprintf("出账合计 %s 与 total_withdrawn %s 不一致", report.DebitTotal, wallet.TotalWithdrawn))
	}
	return report, nil
}

// ListWallets 分批遍历钱包，供对账任务使用
func (s *WalletService) ListWallets(ctx context.Context, afterID int64, limit int) ([]*model.Wallet, error) {
	return s.walletRepo.ListAfterID(ctx, afterID, limit)
}
