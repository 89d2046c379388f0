package task

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/genflow/events"
	"github.com/BaSui01/genflow/gen"
	"github.com/BaSui01/genflow/metrics"
	"github.com/BaSui01/genflow/resource"
	"github.com/BaSui01/genflow/tracelog"
	"github.com/BaSui01/genflow/upstream"
)

// 事件名。
const (
	EventCreated = "task.created"
	EventUpdated = "task.updated"
	EventDeleted = "task.deleted"
)

const cancelledByUser = "用户取消了任务"

// Orchestrator 驱动任务状态机：提交、对账、取消与重试。
// 任务行的每次状态迁移都依赖持久层的单行原子更新。
type Orchestrator struct {
	repo      *Repo
	upstreams *upstream.Repo
	registry  *gen.Registry
	store     *resource.Store
	events    events.Broadcaster
	trace     *tracelog.Logger
	log       *zap.Logger
	cancels   *cancelRegistry
	client    *http.Client
}

// NewOrchestrator 组装编排器。broadcaster 与 logger 可为 nil。
func NewOrchestrator(repo *Repo, upstreams *upstream.Repo, registry *gen.Registry, store *resource.Store, broadcaster events.Broadcaster, log *zap.Logger) *Orchestrator {
	if broadcaster == nil {
		broadcaster = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		repo:      repo,
		upstreams: upstreams,
		registry:  registry,
		store:     store,
		events:    broadcaster,
		trace:     tracelog.New(log),
		log:       log,
		cancels:   newCancelRegistry(),
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

// CreateParams 创建任务的输入。
type CreateParams struct {
	UniqueID    string
	TaskType    TaskType
	ModelType   string
	APIFormat   string
	ModelName   string
	Prompt      string
	Images      []string
	ModelParams map[string]string
	Mode        gen.Mode
	UpstreamID  uint
	ModelID     uint
}

// CreateTask 以 pending 状态落库并广播创建事件。
func (o *Orchestrator) CreateTask(ownerID uint, params CreateParams) (*Task, error) {
	if _, ok := o.registry.Lookup(params.APIFormat); !ok {
		return nil, fmt.Errorf("unknown api format %q", params.APIFormat)
	}
	mode := params.Mode
	if mode == "" {
		mode = gen.ModeImagine
	}
	t := &Task{
		UniqueID:   params.UniqueID,
		UserID:     ownerID,
		TaskType:   params.TaskType,
		ModelType:  params.ModelType,
		APIFormat:  params.APIFormat,
		ModelName:  params.ModelName,
		Prompt:     params.Prompt,
		Mode:       string(mode),
		Status:     StatusPending,
		UpstreamID: params.UpstreamID,
		ModelID:    params.ModelID,
	}
	t.SetImageList(params.Images)
	t.SetParamMap(params.ModelParams)
	if err := o.repo.Create(t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	o.events.EmitToUser(ownerID, EventCreated, t)
	return t, nil
}

// Submit 提交任务：pending → submitting → processing|success|failed。
// 调用方通常在 goroutine 里执行，不阻塞请求线程。
func (o *Orchestrator) Submit(ctx context.Context, id uint) error {
	t, err := o.repo.Get(id)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return fmt.Errorf("task %d not pending (status=%s)", id, t.Status)
	}

	up, err := o.upstreams.GetUpstream(t.UpstreamID)
	if err != nil {
		return o.markFailed(t, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error()}))
	}
	model, err := o.upstreams.GetModel(t.ModelID)
	if err != nil {
		return o.markFailed(t, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error()}))
	}

	startedAt := time.Now()
	applied, err := o.transition(t, StatusPending, StatusSubmitting, map[string]any{"started_at": startedAt})
	if err != nil {
		return err
	}
	if !applied {
		// 加载后被并发改写（如提交前被取消），放弃本次提交
		return nil
	}
	t.StartedAt = &startedAt

	provider, ok := o.registry.Lookup(t.APIFormat)
	if !ok {
		return o.markFailed(t, &gen.Error{Code: gen.ErrModelUnavailable, Message: gen.UserMessage(gen.ErrModelUnavailable)})
	}
	meta := provider.Meta()

	params := gen.GenerateParams{
		TaskID:      t.ID,
		Prompt:      t.Prompt,
		Images:      t.ImageList(),
		ModelName:   t.ModelName,
		ModelParams: t.ParamMap(),
		Mode:        gen.Mode(t.Mode),
		APIKey:      up.ResolveKey(model.KeyName),
		BaseURL:     up.BaseURL,
	}

	callCtx, release := o.cancels.acquire(ctx, t.ID)
	defer release()

	// 不能直接吃 URL 的适配器：先把输入图取回并转 base64
	if !meta.Validation.SupportsImageURL && len(params.Images) > 0 {
		normalized, err := o.normalizeImages(callCtx, params.Images)
		if err != nil {
			if o.cancelled(callCtx, err) {
				return nil
			}
			return o.markFailed(t, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: meta.APIFormat}))
		}
		params.Images = normalized
	}

	start := time.Now()
	if meta.IsAsync {
		ap, _ := provider.(gen.AsyncProvider)
		upstreamTaskID, err := ap.Submit(callCtx, params)
		metrics.ObserveVendorCall(meta.APIFormat, "submit", time.Since(start), err == nil)
		if err != nil {
			if o.cancelled(callCtx, err) {
				// 取消由 Abort 负责写终态，这里静默收尾
				return nil
			}
			return o.markFailed(t, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: meta.APIFormat}))
		}
		// Abort 抢先落取消时这里不会命中任何行，同样静默收尾
		_, err = o.transition(t, StatusSubmitting, StatusProcessing, map[string]any{
			"upstream_task_id": upstreamTaskID,
			"progress":         "0",
		})
		return err
	}

	sp, _ := provider.(gen.SyncProvider)
	result, err := sp.Generate(callCtx, params)
	metrics.ObserveVendorCall(meta.APIFormat, "generate", time.Since(start), err == nil)
	if err != nil {
		if o.cancelled(callCtx, err) {
			return nil
		}
		return o.markFailed(t, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: meta.APIFormat}))
	}
	if !result.Success {
		classified := result.Error
		if classified == nil {
			classified = &gen.Error{Code: gen.ErrEmptyResponse, Message: gen.UserMessage(gen.ErrEmptyResponse)}
		}
		return o.markFailed(t, classified)
	}
	return o.succeed(callCtx, t, StatusSubmitting, result.ResourceURL, result.ImageBase64, result.MimeType, nil)
}

// SyncStatus 对账一次异步任务状态。同步适配器或无上游句柄的任务是 no-op。
// 轮询失败被吞掉并保留上一次已知状态——对账永远不破坏已知结果。
func (o *Orchestrator) SyncStatus(ctx context.Context, id uint) (*Task, error) {
	t, err := o.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if t.UpstreamTaskID == "" || t.Status.IsTerminal() {
		return t, nil
	}
	ap, ok := o.registry.Async(t.APIFormat)
	if !ok {
		return t, nil
	}
	up, err := o.upstreams.GetUpstream(t.UpstreamID)
	if err != nil {
		o.log.Warn("status poll skipped: upstream unavailable", zap.Uint("task_id", t.ID), zap.Error(err))
		return t, nil
	}
	model, err := o.upstreams.GetModel(t.ModelID)
	if err != nil {
		o.log.Warn("status poll skipped: model unavailable", zap.Uint("task_id", t.ID), zap.Error(err))
		return t, nil
	}

	// 轮询与后续的资源物化同样要能被 Abort 打断
	callCtx, release := o.cancels.acquire(ctx, t.ID)
	defer release()

	result, err := ap.Query(callCtx, gen.QueryParams{
		TaskID:         t.ID,
		UpstreamTaskID: t.UpstreamTaskID,
		APIKey:         up.ResolveKey(model.KeyName),
		BaseURL:        up.BaseURL,
	})
	if err != nil {
		if o.cancelled(callCtx, err) {
			return t, nil
		}
		o.log.Warn("status poll failed, keeping previous state",
			zap.Uint("task_id", t.ID), zap.Error(err))
		return t, nil
	}

	switch result.Status {
	case gen.QuerySuccess:
		// 资源已本地化说明这次成功已经处理过，避免重复下载和重复估计更新
		if o.store.IsLocal(t.ResourceURL) {
			return t, nil
		}
		if err := o.succeed(callCtx, t, StatusProcessing, result.ResourceURL, "", "", result.Buttons); err != nil {
			return nil, err
		}
	case gen.QueryFailed:
		msg := result.Error
		classified := gen.Classify(gen.ClassifyInput{Message: msg})
		if classified.Code == gen.ErrUnknown && msg != "" {
			classified.Message = msg
		}
		if err := o.markFailed(t, classified); err != nil {
			return nil, err
		}
	default:
		fields := map[string]any{}
		if p := result.Progress; p != "" && p != t.Progress {
			fields["progress"] = p
		}
		if len(fields) > 0 {
			// 轮询期间落了终态（如被取消）时不命中任何行，进度直接丢弃
			if _, err := o.transition(t, StatusProcessing, StatusProcessing, fields); err != nil {
				return nil, err
			}
		}
	}
	return o.repo.Get(id)
}

// Abort 打断任务的在途调用并原子地写入取消终态。
// 终态由 Abort 自己负责，提交路径观察到取消后静默退出，
// 任务因此不可能停留在 submitting。
// 返回 true 表示确实有一次在途调用被打断。
func (o *Orchestrator) Abort(id uint) (bool, error) {
	t, err := o.repo.Get(id)
	if err != nil {
		return false, err
	}
	if !t.Status.CanCancel() {
		return false, fmt.Errorf("task %d not cancellable (status=%s)", id, t.Status)
	}

	interrupted := o.cancels.abort(id)

	res := o.repo.db.Model(&Task{}).
		Where("id = ? AND status IN ?", id, []Status{StatusPending, StatusSubmitting, StatusProcessing}).
		Updates(map[string]any{"status": StatusCancelled, "error": cancelledByUser})
	if res.Error != nil {
		return interrupted, res.Error
	}
	metrics.ObserveTransition(string(StatusCancelled))
	if cur, err := o.repo.Get(id); err == nil {
		o.events.EmitToUser(cur.UserID, EventUpdated, cur)
	}
	return interrupted, nil
}

// Retry 从 failed/cancelled 重置为 pending 并异步重新提交。
func (o *Orchestrator) Retry(ctx context.Context, id uint) error {
	t, err := o.repo.Get(id)
	if err != nil {
		return err
	}
	if !t.Status.CanRetry() {
		return fmt.Errorf("task %d not retryable (status=%s)", id, t.Status)
	}
	err = o.repo.Updates(id, map[string]any{
		"status":           StatusPending,
		"error":            "",
		"upstream_task_id": "",
		"progress":         "",
		"resource_url":     "",
		"buttons":          "",
		"duration":         0,
		"started_at":       nil,
		"created_at":       time.Now(), // 重试后耗时统计从头算
	})
	if err != nil {
		return err
	}
	if cur, err := o.repo.Get(id); err == nil {
		o.events.EmitToUser(cur.UserID, EventUpdated, cur)
	}
	go func() {
		if err := o.Submit(context.WithoutCancel(ctx), id); err != nil {
			o.log.Warn("retry submit failed", zap.Uint("task_id", id), zap.Error(err))
		}
	}()
	return nil
}

// ExecuteAction 把一次按钮点击建模为全新的子任务：
// 复用父任务的模型与输入，提交走 Action 而不是 Submit，之后与普通异步任务无异。
func (o *Orchestrator) ExecuteAction(ctx context.Context, parentID uint, customID string, ownerID uint) (*Task, error) {
	parent, err := o.repo.GetOwned(parentID, ownerID)
	if err != nil {
		return nil, err
	}
	if parent.UpstreamTaskID == "" {
		return nil, fmt.Errorf("task %d has no upstream task id", parentID)
	}
	provider, ok := o.registry.Lookup(parent.APIFormat)
	if !ok {
		return nil, fmt.Errorf("unknown api format %q", parent.APIFormat)
	}
	actioner, ok := provider.(gen.ActionProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not support actions", parent.APIFormat)
	}

	child := &Task{
		UserID:      parent.UserID,
		TaskType:    parent.TaskType,
		ModelType:   parent.ModelType,
		APIFormat:   parent.APIFormat,
		ModelName:   parent.ModelName,
		Prompt:      parent.Prompt,
		Images:      parent.Images,
		ModelParams: parent.ModelParams,
		Mode:        parent.Mode,
		Status:      StatusPending,
		UpstreamID:  parent.UpstreamID,
		ModelID:     parent.ModelID,
	}
	if err := o.repo.Create(child); err != nil {
		return nil, fmt.Errorf("create action task: %w", err)
	}
	o.events.EmitToUser(child.UserID, EventCreated, child)

	up, err := o.upstreams.GetUpstream(child.UpstreamID)
	if err != nil {
		return child, o.markFailed(child, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error()}))
	}
	model, err := o.upstreams.GetModel(child.ModelID)
	if err != nil {
		return child, o.markFailed(child, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error()}))
	}

	startedAt := time.Now()
	applied, err := o.transition(child, StatusPending, StatusSubmitting, map[string]any{"started_at": startedAt})
	if err != nil {
		return child, err
	}
	if !applied {
		return child, nil
	}
	child.StartedAt = &startedAt

	callCtx, release := o.cancels.acquire(ctx, child.ID)
	defer release()

	start := time.Now()
	upstreamTaskID, err := actioner.Action(callCtx, gen.ActionParams{
		TaskID:           child.ID,
		ParentUpstreamID: parent.UpstreamTaskID,
		CustomID:         customID,
		APIKey:           up.ResolveKey(model.KeyName),
		BaseURL:          up.BaseURL,
	})
	metrics.ObserveVendorCall(parent.APIFormat, "action", time.Since(start), err == nil)
	if err != nil {
		if o.cancelled(callCtx, err) {
			return child, nil
		}
		return child, o.markFailed(child, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: parent.APIFormat}))
	}
	_, err = o.transition(child, StatusSubmitting, StatusProcessing, map[string]any{
		"upstream_task_id": upstreamTaskID,
		"progress":         "0",
	})
	return child, err
}

// Delete 软删除并广播。
func (o *Orchestrator) Delete(id, ownerID uint) error {
	if err := o.repo.Delete(id, ownerID); err != nil {
		return err
	}
	o.events.EmitToUser(ownerID, EventDeleted, map[string]uint{"id": id})
	return nil
}

// Restore 从回收站还原并广播。
func (o *Orchestrator) Restore(id, ownerID uint) error {
	if err := o.repo.Restore(id, ownerID); err != nil {
		return err
	}
	if t, err := o.repo.Get(id); err == nil {
		o.events.EmitToUser(ownerID, EventUpdated, t)
	}
	return nil
}

// EmptyTrash 清空用户回收站，不可恢复。
func (o *Orchestrator) EmptyTrash(ownerID uint) (int64, error) {
	n, err := o.repo.EmptyTrash(ownerID)
	if err != nil {
		return n, err
	}
	o.events.EmitToUser(ownerID, EventDeleted, map[string]any{"trash_emptied": n})
	return n, nil
}

// UpdateBlur 更新单个任务的模糊显示标记并广播。
func (o *Orchestrator) UpdateBlur(id, ownerID uint, blurred bool) error {
	if err := o.repo.SetBlur(id, ownerID, blurred); err != nil {
		return err
	}
	if t, err := o.repo.Get(id); err == nil {
		o.events.EmitToUser(ownerID, EventUpdated, t)
	}
	return nil
}

// BatchBlur 批量更新模糊显示标记并广播。
func (o *Orchestrator) BatchBlur(ids []uint, ownerID uint, blurred bool) (int64, error) {
	n, err := o.repo.BatchBlur(ids, ownerID, blurred)
	if err != nil {
		return n, err
	}
	o.events.EmitToUser(ownerID, EventUpdated, map[string]any{"ids": ids, "blurred": blurred})
	return n, nil
}

// succeed 物化资源并写入成功终态。
// 厂商说成功还不够：资源必须在本地落盘，落盘失败按 SAVE_FAILED 记失败。
// from 是期望的当前状态，被并发改写时成功结果整体作废。
func (o *Orchestrator) succeed(ctx context.Context, t *Task, from Status, remoteURL, imageBase64, mimeType string, buttons []gen.Button) error {
	var locator string
	var err error
	switch {
	case remoteURL != "" && o.store.IsLocal(remoteURL):
		locator = remoteURL
	case remoteURL != "":
		locator, err = o.store.Download(ctx, remoteURL)
	case imageBase64 != "":
		locator, err = o.store.SaveBase64(imageBase64, mimeType)
	default:
		return o.markFailed(t, &gen.Error{Code: gen.ErrEmptyResponse, Message: gen.UserMessage(gen.ErrEmptyResponse)})
	}
	if err != nil {
		o.log.Warn("resource materialization failed", zap.Uint("task_id", t.ID), zap.Error(err))
		return o.markFailed(t, &gen.Error{Code: gen.ErrSaveFailed, Message: gen.UserMessage(gen.ErrSaveFailed), Cause: err})
	}

	var duration float64
	if t.StartedAt != nil {
		duration = time.Since(*t.StartedAt).Seconds()
	}
	fields := map[string]any{
		"resource_url": locator,
		"progress":     "100",
		"duration":     duration,
		"error":        "",
	}
	if len(buttons) > 0 {
		tmp := Task{}
		tmp.SetButtonList(buttons)
		fields["buttons"] = tmp.Buttons
	}
	applied, err := o.transition(t, from, StatusSuccess, fields)
	if err != nil {
		return err
	}
	if !applied {
		// 取消抢先落了终态，迟到的成功结果不覆盖，也不计入耗时估计
		return nil
	}

	// 观测耗时回馈到模型的完成时间估计，失败不影响任务结果
	if err := o.upstreams.UpdateEstimate(t.ModelID, duration); err != nil {
		o.log.Warn("duration estimate update failed", zap.Uint("model_id", t.ModelID), zap.Error(err))
	}
	return nil
}

// markFailed 写入失败终态。只覆盖非终态行：已取消或已成功的任务不被改写。
func (o *Orchestrator) markFailed(t *Task, classified *gen.Error) error {
	res := o.repo.db.Model(&Task{}).
		Where("id = ? AND status IN ?", t.ID, []Status{StatusPending, StatusSubmitting, StatusProcessing}).
		Updates(map[string]any{"status": StatusFailed, "error": classified.Message, "resource_url": ""})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		metrics.ObserveTransition(string(StatusFailed))
		metrics.ObserveClassification(string(classified.Code))
		if cur, err := o.repo.Get(t.ID); err == nil {
			o.events.EmitToUser(cur.UserID, EventUpdated, cur)
		}
	}
	return nil
}

// transition 以比较并交换的方式把任务从 from 迁移到 to 并广播。
// 返回 false 表示状态已被并发改写（典型是 Abort 抢先落了取消终态），
// 此时不写任何字段，调用方应放弃本次结果。
func (o *Orchestrator) transition(t *Task, from, to Status, fields map[string]any) (bool, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["status"] = to
	res := o.repo.db.Model(&Task{}).
		Where("id = ? AND status = ?", t.ID, from).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	t.Status = to
	metrics.ObserveTransition(string(to))
	if cur, err := o.repo.Get(t.ID); err == nil {
		*t = *cur
		o.events.EmitToUser(cur.UserID, EventUpdated, cur)
	}
	return true, nil
}

// normalizeImages 把远程 URL 输入取回并编码为 data URL；
// 已本地物化的资源直接从存储读出，不再走网络。
func (o *Orchestrator) normalizeImages(ctx context.Context, images []string) ([]string, error) {
	out := make([]string, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, img := range images {
		g.Go(func() error {
			switch {
			case strings.HasPrefix(img, "data:"):
				out[i] = img
			case o.store.IsLocal(img):
				dataURL, err := o.store.ReadAsBase64(img)
				if err != nil {
					return err
				}
				out[i] = dataURL
			case strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://"):
				dataURL, err := o.fetchAsBase64(gctx, img)
				if err != nil {
					return err
				}
				out[i] = dataURL
			default:
				// 视为已是裸 base64
				out[i] = img
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) fetchAsBase64(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch input image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch input image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// cancelled 判断一次调用失败是否源于主动取消。
// 取消不是任务失败：Abort 已经写了 cancelled 终态，这里不再覆盖。
func (o *Orchestrator) cancelled(ctx context.Context, err error) bool {
	if ctx.Err() == context.Canceled || errors.Is(err, context.Canceled) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context canceled") || strings.Contains(msg, "request canceled") || strings.Contains(msg, "aborted")
}
