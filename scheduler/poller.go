// Package scheduler 提供异步任务的周期对账驱动。
// 编排器本身是拉取式的；这里决定何时拉。
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/genflow/task"
)

// Poller 周期性地对所有 processing 状态的任务调用一次状态对账。
type Poller struct {
	orch     *task.Orchestrator
	repo     *task.Repo
	interval time.Duration
	limiter  *rate.Limiter
	log      *zap.Logger
}

// NewPoller 创建驱动。interval 是两轮之间的间隔，
// qps 限制单轮内对上游的查询速率。
func NewPoller(orch *task.Orchestrator, repo *task.Repo, interval time.Duration, qps float64, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if qps <= 0 {
		qps = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		orch:     orch,
		repo:     repo,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(qps), 1),
		log:      log,
	}
}

// Run 阻塞运行直到 ctx 取消。
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce 对账一轮。单个任务的失败不影响同轮其他任务。
func (p *Poller) pollOnce(ctx context.Context) {
	tasks, err := p.repo.ListProcessing()
	if err != nil {
		p.log.Warn("list processing tasks failed", zap.Error(err))
		return
	}
	for _, t := range tasks {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := p.orch.SyncStatus(ctx, t.ID); err != nil {
			p.log.Warn("status sync failed", zap.Uint("task_id", t.ID), zap.Error(err))
		}
	}
}
