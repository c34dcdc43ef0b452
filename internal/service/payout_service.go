package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"affiliate/internal/infrastructure/logging"
	"affiliate/internal/infrastructure/metrics"
	"affiliate/internal/model"
	"affiliate/internal/repository"
	"affiliate/pkg/idgen"
	"affiliate/pkg/money"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PayoutPolicy 提现规则
type PayoutPolicy struct {
	MinAmount money.Amount
	// SingleOutstanding 每个用户同时只能有一笔 pending / processing 提现
	SingleOutstanding bool
}

// PayoutRequest 用户提现申请
type PayoutRequest struct {
	UserID  int64        `json:"user_id" binding:"required"`
	Amount  money.Amount `json:"amount"`
	Method  string       `json:"method"`
	Account string       `json:"account"`
}

// PayoutEligibility 是否可以发起提现
type PayoutEligibility struct {
	UserID         int64        `json:"user_id"`
	Balance        money.Amount `json:"balance"`
	MinAmount      money.Amount `json:"min_amount"`
	HasOutstanding bool         `json:"has_outstanding"`
	Eligible       bool         `json:"eligible"`
	Reason         string       `json:"reason,omitempty"`
}

// PayoutService 提现流程
//
// 【状态机】
//
//	pending → processing → completed
//	pending → cancelled
//	processing → cancelled
//
// 【资金】
// 申请时不动钱包；审核通过（进入 processing）时扣款，且只扣一次；
// processing 状态下撤销需要补偿入账，不能直接改余额；完成时不再动钱包。
//
// 所有状态迁移都在该用户的钱包锁内、同一个事务里完成，
// 并用 status 条件更新兜底，重复或并发的管理操作只有一个能成功。
type PayoutService struct {
	wallets     *WalletService
	commissions *CommissionService
	payoutRepo  *repository.PayoutRepository
	outboxRepo  *repository.OutboxRepository
	policy      PayoutPolicy
	eventTopic  string
	logger      *zap.Logger
}

func NewPayoutService(
	db *gorm.DB,
	wallets *WalletService,
	commissions *CommissionService,
	policy PayoutPolicy,
	eventTopic string,
	logger *zap.Logger,
) *PayoutService {
	return &PayoutService{
		wallets:     wallets,
		commissions: commissions,
		payoutRepo:  repository.NewPayoutRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		policy:      policy,
		eventTopic:  eventTopic,
		logger:      logging.OrNop(logger).Named("payout"),
	}
}

// Request 发起提现：校验金额、最低提现额、余额与在途提现，创建 pending 提现单，不扣款
func (s *PayoutService) Request(ctx context.Context, req *PayoutRequest) (*model.Payout, error) {
	if req.UserID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidUserID, req.UserID)
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.Amount > money.MaxAmount {
		return nil, fmt.Errorf("%w: 单笔提现不能超过 %s", ErrInvalidAmount, money.MaxAmount)
	}
	if req.Amount < s.policy.MinAmount {
		return nil, fmt.Errorf("%w: 最低 %s", ErrBelowMinimumPayout, s.policy.MinAmount)
	}

	payout := &model.Payout{
		PayoutNo: idgen.GeneratePayoutNo(),
		UserID:   req.UserID,
		Amount:   req.Amount,
		Status:   model.PayoutStatusPending,
		Method:   strings.TrimSpace(req.Method),
		Account:  strings.TrimSpace(req.Account),
	}

	err := s.wallets.WithWallets(ctx, []int64{req.UserID}, func(ltx *LedgerTx) error {
		wallet, err := ltx.Wallet(req.UserID)
		if err != nil {
			return err
		}
		if req.Amount > wallet.Balance {
			return ErrInsufficientFunds
		}

		if s.policy.SingleOutstanding {
			count, err := s.payoutRepo.CountOutstanding(ctx, ltx.DB(), req.UserID)
			if err != nil {
				return fmt.Errorf("查询在途提现失败: %w", err)
			}
			if count > 0 {
				return ErrOutstandingPayout
			}
		}

		if err := s.payoutRepo.Create(ctx, ltx.DB(), payout); err != nil {
			return fmt.Errorf("创建提现单失败: %w", err)
		}
		return s.writeEvent(ctx, ltx.DB(), model.EventPayoutRequested, payout)
	})
	if err != nil {
		return nil, err
	}

	s.transitioned(payout, "")
	return payout, nil
}

// Eligibility 钱包余额是否达到最低提现额，且没有在途提现
func (s *PayoutService) Eligibility(ctx context.Context, userID int64) (*PayoutEligibility, error) {
	wallet, err := s.wallets.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &PayoutEligibility{
		UserID:    userID,
		Balance:   wallet.Balance,
		MinAmount: s.policy.MinAmount,
	}

	if s.policy.SingleOutstanding {
		count, err := s.payoutRepo.CountOutstanding(ctx, nil, userID)
		if err != nil {
			return nil, err
		}
		result.HasOutstanding = count > 0
	}

	switch {
	case result.HasOutstanding:
		result.Reason = ErrOutstandingPayout.Error()
	case wallet.Balance < s.policy.MinAmount:
		result.Reason = ErrBelowMinimumPayout.Error()
	default:
		result.Eligible = true
	}
	return result, nil
}

// Approve 审核通过：pending → processing，同时扣减钱包。
// 扣款失败（余额已变化）时整个操作回滚，提现单保持 pending。
func (s *PayoutService) Approve(ctx context.Context, payoutNo string) (*model.Payout, error) {
	return s.transition(ctx, payoutNo, model.PayoutStatusProcessing, func(ltx *LedgerTx, p *model.Payout, now time.Time) (map[string]interface{}, error) {
		ref := Reference{Type: model.RefTypePayout, No: p.PayoutNo}
		if _, err := ltx.Debit(p.UserID, p.Amount, "payout "+p.PayoutNo, ref); err != nil {
			return nil, err
		}
		p.ApprovedAt = &now
		return map[string]interface{}{"approved_at": now}, nil
	})
}

// Reject 驳回：pending → cancelled，尚未扣款，不动钱包
func (s *PayoutService) Reject(ctx context.Context, payoutNo, reason string) (*model.Payout, error) {
	return s.transition(ctx, payoutNo, model.PayoutStatusCancelled, func(ltx *LedgerTx, p *model.Payout, now time.Time) (map[string]interface{}, error) {
		if p.Status != model.PayoutStatusPending {
			return nil, ErrPayoutStateConflict
		}
		return s.cancelled(p, reason, now), nil
	})
}

// Cancel 撤销：pending 时等同于驳回；processing 时补偿入账，恢复到审核前的余额
func (s *PayoutService) Cancel(ctx context.Context, payoutNo, reason string) (*model.Payout, error) {
	return s.transition(ctx, payoutNo, model.PayoutStatusCancelled, func(ltx *LedgerTx, p *model.Payout, now time.Time) (map[string]interface{}, error) {
		if p.Status == model.PayoutStatusProcessing {
			ref := Reference{Type: model.RefTypePayoutReversal, No: p.PayoutNo}
			if _, err := ltx.Credit(p.UserID, p.Amount, "payout reversal", ref); err != nil {
				return nil, err
			}
		}
		return s.cancelled(p, reason, now), nil
	})
}

// Complete 打款完成：processing → completed，记录外部流水号，不再动钱包。
// transactionID 为空时生成一个结算参考号。
func (s *PayoutService) Complete(ctx context.Context, payoutNo, transactionID string) (*model.Payout, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		transactionID = idgen.GenerateSettlementRef()
	}
	return s.transition(ctx, payoutNo, model.PayoutStatusCompleted, func(ltx *LedgerTx, p *model.Payout, now time.Time) (map[string]interface{}, error) {
		if s.commissions != nil {
			n, err := s.commissions.MarkPaidForPayout(ctx, ltx.DB(), p.UserID, p.PayoutNo, p.Amount)
			if err != nil {
				return nil, fmt.Errorf("更新佣金状态失败: %w", err)
			}
			s.logger.Debug("佣金标记为已支付", zap.String("payout_no", p.PayoutNo), zap.Int("count", n))
		}
		p.TransactionID = transactionID
		p.CompletedAt = &now
		return map[string]interface{}{
			"transaction_id": transactionID,
			"completed_at":   now,
		}, nil
	})
}

func (s *PayoutService) cancelled(p *model.Payout, reason string, now time.Time) map[string]interface{} {
	p.RejectionReason = strings.TrimSpace(reason)
	p.CancelledAt = &now
	return map[string]interface{}{
		"rejection_reason": p.RejectionReason,
		"cancelled_at":     now,
	}
}

type transitionFunc func(ltx *LedgerTx, p *model.Payout, now time.Time) (map[string]interface{}, error)

// transition 在用户钱包锁 + 事务内完成一次状态迁移：
// 重新读取提现单 → 校验状态机 → 执行资金动作 → 条件更新状态 → 写事件
func (s *PayoutService) transition(ctx context.Context, payoutNo, target string, apply transitionFunc) (*model.Payout, error) {
	current, err := s.payoutRepo.GetByPayoutNo(ctx, payoutNo)
	if err != nil {
		return nil, err
	}

	var (
		payout *model.Payout
		from   string
	)
	err = s.wallets.WithWallets(ctx, []int64{current.UserID}, func(ltx *LedgerTx) error {
		p, err := s.payoutRepo.GetByPayoutNoForUpdate(ctx, ltx.DB(), payoutNo)
		if err != nil {
			return err
		}
		if !model.CanPayoutTransition(p.Status, target) {
			return ErrPayoutStateConflict
		}

		now := time.Now()
		extra, err := apply(ltx, p, now)
		if err != nil {
			return err
		}

		from = p.Status
		if err := s.payoutRepo.UpdateStatus(ctx, ltx.DB(), payoutNo, from, target, extra); err != nil {
			if errors.Is(err, repository.ErrPayoutStatusInvalid) {
				return ErrPayoutStateConflict
			}
			return fmt.Errorf("更新提现状态失败: %w", err)
		}
		p.Status = target

		payout = p
		return s.writeEvent(ctx, ltx.DB(), payoutEventType(target), p)
	})
	if err != nil {
		if errors.Is(err, ErrPayoutStateConflict) || errors.Is(err, ErrInsufficientFunds) {
			s.logger.Warn("提现状态迁移被拒绝",
				zap.String("payout_no", payoutNo),
				zap.String("target", target),
				zap.Error(err),
			)
		}
		return nil, err
	}

	s.transitioned(payout, from)
	return payout, nil
}

func (s *PayoutService) writeEvent(ctx context.Context, tx *gorm.DB, eventType string, p *model.Payout) error {
	msg, err := model.NewOutboxMessage(s.eventTopic, strconv.FormatInt(p.UserID, 10), eventType, p)
	if err != nil {
		return fmt.Errorf("构造消息失败: %w", err)
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}

func (s *PayoutService) transitioned(p *model.Payout, from string) {
	metrics.PayoutTransitions.WithLabelValues(p.Status).Inc()
	s.logger.Info("提现状态变更",
		zap.String("payout_no", p.PayoutNo),
		zap.Int64("user_id", p.UserID),
		zap.Stringer("amount", p.Amount),
		zap.String("from", from),
		zap.String("to", p.Status),
	)
}

func payoutEventType(status string) string {
	switch status {
	case model.PayoutStatusProcessing:
		return model.EventPayoutProcessing
	case model.PayoutStatusCompleted:
		return model.EventPayoutCompleted
	case model.PayoutStatusCancelled:
		return model.EventPayoutCancelled
	default:
		return model.EventPayoutRequested
	}
}

func (s *PayoutService) Get(ctx context.Context, payoutNo string) (*model.Payout, error) {
	return s.payoutRepo.GetByPayoutNo(ctx, payoutNo)
}

// ListByUser status 为空时返回全部状态
func (s *PayoutService) ListByUser(ctx context.Context, userID int64, status string, page, pageSize int) ([]*model.Payout, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.payoutRepo.ListByUserID(ctx, userID, status, page, pageSize)
}

// ListByStatus 管理端按状态查询
func (s *PayoutService) ListByStatus(ctx context.Context, status string, page, pageSize int) ([]*model.Payout, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.payoutRepo.ListByStatus(ctx, status, page, pageSize)
}
