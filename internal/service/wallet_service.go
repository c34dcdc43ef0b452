package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"affiliate/internal/infrastructure/lock"
	"affiliate/internal/infrastructure/logging"
	"affiliate/internal/infrastructure/metrics"
	"affiliate/internal/model"
	"affiliate/internal/repository"
	"affiliate/pkg/idgen"
	"affiliate/pkg/money"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultTransactionLimit = 20
	maxTransactionLimit     = 100
)

// Reference 流水关联的业务单据
type Reference struct {
	Type string
	No   string
}

// WalletService 钱包账本，唯一允许修改余额的组件
//
// 【串行化点】
// 同一钱包的所有变动依次经过：
//  1. Locker 按用户加锁（Redis 分布式锁 / 进程内锁）
//  2. 数据库事务内 SELECT ... FOR UPDATE 读取钱包
//  3. 写回时校验 version
//
// 读接口（GetBalance、GetTransactions）不加锁，不能作为入账/出账的判断依据，
// 需要“先读后写”的调用方应使用 WithWallets 在锁内读取。
type WalletService struct {
	db         *gorm.DB
	locker     lock.Locker
	walletRepo *repository.WalletRepository
	transRepo  *repository.WalletTransactionRepository
	logger     *zap.Logger
}

func NewWalletService(db *gorm.DB, locker lock.Locker, logger *zap.Logger) *WalletService {
	return &WalletService{
		db:         db,
		locker:     locker,
		walletRepo: repository.NewWalletRepository(db),
		transRepo:  repository.NewWalletTransactionRepository(db),
		logger:     logging.OrNop(logger).Named("wallet"),
	}
}

// Credit 入账，钱包不存在时自动创建，返回入账后余额
func (s *WalletService) Credit(ctx context.Context, userID int64, amount money.Amount, description string, ref Reference) (money.Amount, error) {
	return s.single(ctx, userID, func(ltx *LedgerTx) (money.Amount, error) {
		return ltx.Credit(userID, amount, description, ref)
	})
}

// Debit 出账，余额不足时返回 ErrInsufficientFunds 且不做任何修改
func (s *WalletService) Debit(ctx context.Context, userID int64, amount money.Amount, description string, ref Reference) (money.Amount, error) {
	return s.single(ctx, userID, func(ltx *LedgerTx) (money.Amount, error) {
		return ltx.Debit(userID, amount, description, ref)
	})
}

func (s *WalletService) single(ctx context.Context, userID int64, op func(*LedgerTx) (money.Amount, error)) (money.Amount, error) {
	if userID <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidUserID, userID)
	}
	var balance money.Amount
	err := s.WithWallets(ctx, []int64{userID}, func(ltx *LedgerTx) error {
		var err error
		balance, err = op(ltx)
		return err
	})
	return balance, err
}

// WithWallets 锁定给定用户的钱包并在同一个数据库事务内执行 fn。
// fn 返回错误时事务整体回滚，钱包余额不会出现部分修改。
func (s *WalletService) WithWallets(ctx context.Context, userIDs []int64, fn func(ltx *LedgerTx) error) error {
	unlock, err := lock.LockWallets(ctx, s.locker, userIDs)
	if err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer unlock()

	ltx := &LedgerTx{
		ctx:    ctx,
		svc:    s,
		locked: make(map[int64]struct{}, len(userIDs)),
	}
	for _, id := range userIDs {
		ltx.locked[id] = struct{}{}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ltx.tx = tx
		return fn(ltx)
	})
	if err != nil {
		return err
	}

	for _, entry := range ltx.entries {
		metrics.WalletMutations.WithLabelValues(entry.Type).Inc()
		s.logger.Info("钱包变动",
			zap.Int64("user_id", entry.UserID),
			zap.String("type", entry.Type),
			zap.Stringer("amount", entry.Amount),
			zap.Stringer("balance_after", entry.BalanceAfter),
			zap.String("ref", entry.RefType+":"+entry.RefNo),
		)
	}
	return nil
}

// GetBalance 查询钱包，钱包不存在时返回零值钱包（不会创建）
func (s *WalletService) GetBalance(ctx context.Context, userID int64) (*model.Wallet, error) {
	wallet, err := s.walletRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return &model.Wallet{UserID: userID}, nil
		}
		return nil, err
	}
	return wallet, nil
}

// GetTransactions 最近的流水，新的在前
func (s *WalletService) GetTransactions(ctx context.Context, userID int64, limit int) ([]*model.WalletTransaction, error) {
	return s.transRepo.ListRecent(ctx, userID, clampLimit(limit))
}

// ListTransactions 分页查询流水
func (s *WalletService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.WalletTransaction, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.transRepo.ListByUserID(ctx, userID, page, pageSize)
}

// TransactionView 面向前端的流水
type TransactionView struct {
	Type         string       `json:"type"`
	Amount       money.Amount `json:"amount"`
	Description  string       `json:"description"`
	BalanceAfter money.Amount `json:"balance_after"`
	Reference    string       `json:"reference"`
	CreatedAt    time.Time    `json:"created_at"`
}

// WalletSummary 钱包概览
type WalletSummary struct {
	UserID         int64             `json:"user_id"`
	Balance        money.Amount      `json:"balance"`
	TotalEarned    money.Amount      `json:"total_earned"`
	TotalWithdrawn money.Amount      `json:"total_withdrawn"`
	Transactions   []TransactionView `json:"transactions"`
}

func (s *WalletService) Summary(ctx context.Context, userID int64, limit int) (*WalletSummary, error) {
	wallet, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := s.GetTransactions(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	views := make([]TransactionView, 0, len(entries))
	for _, e := range entries {
		views = append(views, TransactionView{
			Type:         e.Type,
			Amount:       e.Amount,
			Description:  e.Description,
			BalanceAfter: e.BalanceAfter,
			Reference:    e.RefNo,
			CreatedAt:    e.CreatedAt,
		})
	}

	return &WalletSummary{
		UserID:         userID,
		Balance:        wallet.Balance,
		TotalEarned:    wallet.TotalEarned,
		TotalWithdrawn: wallet.TotalWithdrawn,
		Transactions:   views,
	}, nil
}

// LedgerTx 一次账本事务，只能修改本次 WithWallets 锁定的钱包
type LedgerTx struct {
	ctx     context.Context
	tx      *gorm.DB
	svc     *WalletService
	locked  map[int64]struct{}
	entries []*model.WalletTransaction
}

// DB 当前事务，其它仓储的写入需要使用它以保证原子性
func (l *LedgerTx) DB() *gorm.DB {
	return l.tx
}

// Wallet 在锁内读取钱包，不存在时返回零值钱包
func (l *LedgerTx) Wallet(userID int64) (*model.Wallet, error) {
	if _, ok := l.locked[userID]; !ok {
		return nil, ErrWalletNotLocked
	}
	wallet, err := l.svc.walletRepo.GetByUserIDForUpdate(l.ctx, l.tx, userID)
	if errors.Is(err, repository.ErrWalletNotFound) {
		return &model.Wallet{UserID: userID}, nil
	}
	return wallet, err
}

func (l *LedgerTx) Credit(userID int64, amount money.Amount, description string, ref Reference) (money.Amount, error) {
	entry, err := l.apply(userID, model.TransactionTypeCredit, amount, description, ref)
	if err != nil {
		return 0, err
	}
	return entry.BalanceAfter, nil
}

func (l *LedgerTx) Debit(userID int64, amount money.Amount, description string, ref Reference) (money.Amount, error) {
	entry, err := l.apply(userID, model.TransactionTypeDebit, amount, description, ref)
	if err != nil {
		return 0, err
	}
	return entry.BalanceAfter, nil
}

func (l *LedgerTx) apply(userID int64, txType string, amount money.Amount, description string, ref Reference) (*model.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if amount > money.MaxAmount {
		return nil, fmt.Errorf("%w: 单笔金额不能超过 %s", ErrInvalidAmount, money.MaxAmount)
	}
	if _, ok := l.locked[userID]; !ok {
		return nil, ErrWalletNotLocked
	}

	repo := l.svc.walletRepo
	wallet, err := repo.GetByUserIDForUpdate(l.ctx, l.tx, userID)
	if errors.Is(err, repository.ErrWalletNotFound) {
		if txType == model.TransactionTypeDebit {
			return nil, ErrInsufficientFunds
		}
		if err := repo.CreateIfAbsent(l.ctx, l.tx, userID); err != nil {
			return nil, fmt.Errorf("创建钱包失败: %w", err)
		}
		wallet, err = repo.GetByUserIDForUpdate(l.ctx, l.tx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询钱包失败: %w", err)
	}

	before := wallet.Balance
	version := wallet.Version

	switch txType {
	case model.TransactionTypeCredit:
		balance, ok1 := wallet.Balance.Add(amount)
		earned, ok2 := wallet.TotalEarned.Add(amount)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: 入账后金额溢出", ErrInvalidAmount)
		}
		wallet.Balance, wallet.TotalEarned = balance, earned
	case model.TransactionTypeDebit:
		if amount > wallet.Balance {
			return nil, ErrInsufficientFunds
		}
		withdrawn, ok := wallet.TotalWithdrawn.Add(amount)
		if !ok {
			return nil, fmt.Errorf("%w: 累计出账溢出", ErrInvalidAmount)
		}
		wallet.Balance -= amount
		wallet.TotalWithdrawn = withdrawn
	}

	if err := repo.SaveBalances(l.ctx, l.tx, wallet, version); err != nil {
		return nil, fmt.Errorf("更新钱包失败: %w", err)
	}

	entry := &model.WalletTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		WalletID:      wallet.ID,
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  wallet.Balance,
		Description:   description,
		RefType:       ref.Type,
		RefNo:         ref.No,
	}
	if err := l.svc.transRepo.Create(l.ctx, l.tx, entry); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	l.entries = append(l.entries, entry)
	return entry, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultTransactionLimit
	}
	if limit > maxTransactionLimit {
		return maxTransactionLimit
	}
	return limit
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > maxTransactionLimit {
		pageSize = defaultTransactionLimit
	}
	return page, pageSize
}
