package service

import (
	"context"
	"fmt"
	"sync"

	"affiliate/internal/infrastructure/logging"
	"affiliate/internal/infrastructure/metrics"

	"go.uber.org/zap"
)

// ReferralSource 推荐关系数据源（用户系统）
type ReferralSource interface {
	// GetReferredBy 返回直接推荐人，没有推荐人时 ok=false
	GetReferredBy(ctx context.Context, userID int64) (referrer int64, ok bool, err error)
}

// Ancestor 一个可分佣的上级
type Ancestor struct {
	UserID int64 `json:"user_id"`
	Level  int   `json:"level"`
}

// Resolution 推荐链解析结果
type Resolution struct {
	PurchaserID int64                 `json:"purchaser_id"`
	Ancestors   []Ancestor            `json:"ancestors"`
	Cycles      []*ReferralCycleError `json:"-"`
}

// Referrer 返回指定层级的上级
func (r *Resolution) Referrer(level int) (int64, bool) {
	for _, a := range r.Ancestors {
		if a.Level == level {
			return a.UserID, true
		}
	}
	return 0, false
}

// ReferralResolver 解析购买者的各级推荐人
//
// 只读、无副作用，可并发调用。
// 回溯层数固定为 depth，链上出现重复用户时停止回溯并上报，不会死循环。
type ReferralResolver struct {
	source ReferralSource
	depth  int
	logger *zap.Logger
}

func NewReferralResolver(source ReferralSource, depth int, logger *zap.Logger) *ReferralResolver {
	if depth < 1 {
		depth = 2
	}
	return &ReferralResolver{
		source: source,
		depth:  depth,
		logger: logging.OrNop(logger).Named("referral"),
	}
}

func (r *ReferralResolver) Resolve(ctx context.Context, purchaserID int64) (*Resolution, error) {
	res := &Resolution{PurchaserID: purchaserID}
	visited := map[int64]struct{}{purchaserID: {}}

	current := purchaserID
	for level := 1; level <= r.depth; level++ {
		parent, ok, err := r.source.GetReferredBy(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("查询推荐关系失败: user=%d: %w", current, err)
		}
		if !ok {
			break
		}

		if _, seen := visited[parent]; seen {
			cycle := &ReferralCycleError{
				PurchaserID:    purchaserID,
				Level:          level,
				RepeatedUserID: parent,
			}
			res.Cycles = append(res.Cycles, cycle)
			metrics.ReferralCycles.Inc()
			r.logger.Warn("推荐关系存在环，跳过该层级",
				zap.Int64("purchaser_id", purchaserID),
				zap.Int("level", level),
				zap.Int64("repeated_user_id", parent),
			)
			break
		}

		visited[parent] = struct{}{}
		res.Ancestors = append(res.Ancestors, Ancestor{UserID: parent, Level: level})
		current = parent
	}

	return res, nil
}

// ============================================================================
// 内存推荐关系图
// ============================================================================
//
// 用户记录存放在连续的 nodes 中，parent 保存上级在 nodes 中的下标，
// index 负责 userID → 下标。查找上级只是两次数组/哈希访问，不持有对象引用。

type referralNode struct {
	userID int64
	parent int // -1 表示没有推荐人
}

// ReferralGraph 推荐关系快照，实现 ReferralSource
type ReferralGraph struct {
	mu    sync.RWMutex
	nodes []referralNode
	index map[int64]int
}

func NewReferralGraph() *ReferralGraph {
	return &ReferralGraph{index: make(map[int64]int)}
}

func (g *ReferralGraph) node(userID int64) int {
	if i, ok := g.index[userID]; ok {
		return i
	}
	g.nodes = append(g.nodes, referralNode{userID: userID, parent: -1})
	i := len(g.nodes) - 1
	g.index[userID] = i
	return i
}

// Link 记录 userID 由 referredBy 推荐。这里不拒绝环，环由 Resolver 检测。
func (g *ReferralGraph) Link(userID, referredBy int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	child := g.node(userID)
	parent := g.node(referredBy)
	g.nodes[child].parent = parent
}

func (g *ReferralGraph) GetReferredBy(_ context.Context, userID int64) (int64, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.index[userID]
	if !ok || g.nodes[i].parent < 0 {
		return 0, false, nil
	}
	return g.nodes[g.nodes[i].parent].userID, true, nil
}
