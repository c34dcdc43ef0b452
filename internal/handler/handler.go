package handler

import (
	"errors"
	"strconv"

	"affiliate/internal/infrastructure/logging"
	"affiliate/internal/infrastructure/lock"
	"affiliate/internal/service"
	"affiliate/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	walletService     *service.WalletService
	commissionService *service.CommissionService
	payoutService     *service.PayoutService
	resolver          *service.ReferralResolver
	logger            *zap.Logger
}

// NewHandler 创建处理器实例
func NewHandler(
	wallets *service.WalletService,
	commissions *service.CommissionService,
	payouts *service.PayoutService,
	resolver *service.ReferralResolver,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		walletService:     wallets,
		commissionService: commissions,
		payoutService:     payouts,
		resolver:          resolver,
		logger:            logging.OrNop(logger).Named("http"),
	}
}

// fail 把业务错误映射为响应码，未知错误记录日志后返回 500
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidUserID):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrInsufficientFunds):
		response.BusinessError(c, response.CodeInsufficientFunds, err.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		response.BusinessError(c, response.CodeInvalidAmount, err.Error())
	case errors.Is(err, service.ErrInvalidPurchase):
		response.BusinessError(c, response.CodeInvalidPurchase, err.Error())
	case errors.Is(err, service.ErrPayoutNotFound):
		response.BusinessError(c, response.CodePayoutNotFound, err.Error())
	case errors.Is(err, service.ErrPayoutStateConflict):
		response.BusinessError(c, response.CodePayoutStateConflict, err.Error())
	case errors.Is(err, service.ErrBelowMinimumPayout):
		response.BusinessError(c, response.CodeBelowMinimumPayout, err.Error())
	case errors.Is(err, service.ErrOutstandingPayout):
		response.BusinessError(c, response.CodeOutstandingPayout, err.Error())
	case errors.Is(err, lock.ErrLockFailed):
		response.BusinessError(c, response.CodeSystemBusy, err.Error())
	default:
		h.logger.Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(headerRequestID)),
			zap.Error(err),
		)
		_ = c.Error(err)
		response.ServerError(c, "服务器内部错误")
	}
}

func queryUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

func queryPage(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// ============================================================
// 钱包
// ============================================================

// GetWalletSummary 钱包概览 + 最近流水
// GET /api/v1/wallet/summary?user_id=xxx&limit=20
func (h *Handler) GetWalletSummary(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	summary, err := h.walletService.Summary(c.Request.Context(), userID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, summary)
}

// ListWalletTransactions 分页查询流水
// GET /api/v1/wallet/transactions?user_id=xxx&page=1&page_size=20
func (h *Handler) ListWalletTransactions(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	page, pageSize := queryPage(c)

	list, total, err := h.walletService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Page(c, list, total, page, pageSize)
}

// ============================================================
// 佣金
// ============================================================

// PurchaseCompleted 购买完成通知，重复通知返回成功且 duplicate=true
// POST /api/v1/commission/purchase-completed
func (h *Handler) PurchaseCompleted(c *gin.Context) {
	var ev service.PurchaseEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.commissionService.ProcessPurchase(c.Request.Context(), &ev)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// GetCommissionSummary 佣金汇总
// GET /api/v1/commission/summary?user_id=xxx
func (h *Handler) GetCommissionSummary(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	summary, err := h.commissionService.Summary(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, summary)
}

// ListCommissions GET /api/v1/commission/list?user_id=xxx&page=1&page_size=20
func (h *Handler) ListCommissions(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	page, pageSize := queryPage(c)

	list, total, err := h.commissionService.List(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Page(c, list, total, page, pageSize)
}

// GetAncestors 查询用户的各级推荐人
// GET /api/v1/referral/ancestors?user_id=xxx
func (h *Handler) GetAncestors(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	res, err := h.resolver.Resolve(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}

	var skipped []int
	for _, cycle := range res.Cycles {
		skipped = append(skipped, cycle.Level)
	}
	response.Success(c, gin.H{
		"user_id":        userID,
		"ancestors":      res.Ancestors,
		"skipped_levels": skipped,
	})
}

// ============================================================
// 提现
// ============================================================

// RequestPayout 发起提现
// POST /api/v1/payout/request
func (h *Handler) RequestPayout(c *gin.Context) {
	var req service.PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	payout, err := h.payoutService.Request(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, payout)
}

// GetPayoutEligibility GET /api/v1/payout/eligibility?user_id=xxx
func (h *Handler) GetPayoutEligibility(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	result, err := h.payoutService.Eligibility(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// GetPayout 查询提现详情
// GET /api/v1/payout/detail?payout_no=xxx
func (h *Handler) GetPayout(c *gin.Context) {
	payoutNo := c.Query("payout_no")
	if payoutNo == "" {
		response.ParamError(c, "payout_no 参数不能为空")
		return
	}

	payout, err := h.payoutService.Get(c.Request.Context(), payoutNo)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, payout)
}

// ListPayouts GET /api/v1/payout/list?user_id=xxx&status=pending&page=1&page_size=20
func (h *Handler) ListPayouts(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	page, pageSize := queryPage(c)

	list, total, err := h.payoutService.ListByUser(c.Request.Context(), userID, c.Query("status"), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Page(c, list, total, page, pageSize)
}

// ============================================================
// 管理端
// ============================================================

// PayoutActionRequest 管理员操作提现
type PayoutActionRequest struct {
	PayoutNo      string `json:"payout_no" binding:"required"`
	Reason        string `json:"reason"`
	TransactionID string `json:"transaction_id"`
}

// ApprovePayout 审核通过（扣款）
// POST /api/v1/admin/payout/approve
func (h *Handler) ApprovePayout(c *gin.Context) {
	h.payoutAction(c, func(req *PayoutActionRequest) (interface{}, error) {
		return h.payoutService.Approve(c.Request.Context(), req.PayoutNo)
	})
}

// RejectPayout 驳回（仅 pending）
// POST /api/v1/admin/payout/reject
func (h *Handler) RejectPayout(c *gin.Context) {
	h.payoutAction(c, func(req *PayoutActionRequest) (interface{}, error) {
		return h.payoutService.Reject(c.Request.Context(), req.PayoutNo, req.Reason)
	})
}

// CompletePayout 打款完成
// POST /api/v1/admin/payout/complete
func (h *Handler) CompletePayout(c *gin.Context) {
	h.payoutAction(c, func(req *PayoutActionRequest) (interface{}, error) {
		return h.payoutService.Complete(c.Request.Context(), req.PayoutNo, req.TransactionID)
	})
}

// CancelPayout 撤销（processing 时补偿入账）
// POST /api/v1/admin/payout/cancel
func (h *Handler) CancelPayout(c *gin.Context) {
	h.payoutAction(c, func(req *PayoutActionRequest) (interface{}, error) {
		return h.payoutService.Cancel(c.Request.Context(), req.PayoutNo, req.Reason)
	})
}

func (h *Handler) payoutAction(c *gin.Context, action func(req *PayoutActionRequest) (interface{}, error)) {
	var req PayoutActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := action(&req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// AdminListPayouts GET /api/v1/admin/payout/list?status=pending&page=1&page_size=20
func (h *Handler) AdminListPayouts(c *gin.Context) {
	page, pageSize := queryPage(c)

	list, total, err := h.payoutService.ListByStatus(c.Request.Context(), c.Query("status"), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Page(c, list, total, page, pageSize)
}

// ReconcileWallet 对单个钱包重放流水并校验余额
// GET /api/v1/admin/wallet/reconcile?user_id=xxx
func (h *Handler) ReconcileWallet(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	report, err := h.walletService.Reconcile(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"consistent": report.Consistent(),
		"report":     report,
	})
}
