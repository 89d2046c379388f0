// Package midjourney 实现 proxy 风格的 Midjourney 异步图像适配器。
// 提交与查询分离，成功结果携带可继续执行的按钮动作；
// 按钮点击通过 Action 产生全新的上游任务。
package midjourney

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/genflow/gen"
	"github.com/BaSui01/genflow/tracelog"
)

const apiFormat = "midjourney"

// 厂商状态词汇到三值状态的静态映射。
// 未收录的状态一律按 processing 处理并告警，绝不臆断为成功或失败。
var statusTable = map[string]gen.QueryStatus{
	"NOT_START":   gen.QueryProcessing,
	"SUBMITTED":   gen.QueryProcessing,
	"MODAL":       gen.QueryProcessing,
	"IN_PROGRESS": gen.QueryProcessing,
	"SUCCESS":     gen.QuerySuccess,
	"FAILURE":     gen.QueryFailed,
}

type Adapter struct {
	client *http.Client
	trace  *tracelog.Logger
}

func New(log *zap.Logger) *Adapter {
	return &Adapter{
		client: &http.Client{Timeout: 60 * time.Second},
		trace:  tracelog.New(log),
	}
}

func (a *Adapter) Meta() gen.Metadata {
	return gen.Metadata{
		APIFormat:  apiFormat,
		Label:      "Midjourney",
		Category:   gen.CategoryImage,
		IsAsync:    true,
		ModelTypes: []string{"midjourney", "niji"},
		Capabilities: gen.Capabilities{
			ReferenceImage: true,
			Buttons:        true,
		},
		Validation: gen.Validation{
			RequirePrompt:    true,
			SupportsImageURL: false,
		},
	}
}

// submitResponse proxy 风格的提交信封：code==1 表示受理。
type submitResponse struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
	Result      string `json:"result"` // 上游任务 ID
}

type fetchResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Progress   string `json:"progress"` // 形如 "45%"
	ImageURL   string `json:"imageUrl"`
	FailReason string `json:"failReason"`
	Buttons    []struct {
		CustomID string `json:"customId"`
		Emoji    string `json:"emoji"`
		Label    string `json:"label"`
		Style    int    `json:"style"`
	} `json:"buttons"`
}

// Submit 提交 imagine 或 blend，只返回上游任务句柄。
func (a *Adapter) Submit(ctx context.Context, params gen.GenerateParams) (string, error) {
	var path string
	var body map[string]any
	if params.Mode == gen.ModeBlend {
		path = "/mj/submit/blend"
		body = map[string]any{
			"base64Array": params.Images,
			"dimensions":  orDefault(params.ModelParams["dimensions"], "SQUARE"),
		}
	} else {
		path = "/mj/submit/imagine"
		body = map[string]any{
			"prompt":      params.Prompt,
			"base64Array": params.Images,
		}
	}
	return a.submit(ctx, params.TaskID, params.BaseURL, params.APIKey, path, body)
}

// Action 把一次按钮点击提交为新的上游任务。
func (a *Adapter) Action(ctx context.Context, params gen.ActionParams) (string, error) {
	body := map[string]any{
		"taskId":   params.ParentUpstreamID,
		"customId": params.CustomID,
	}
	return a.submit(ctx, params.TaskID, params.BaseURL, params.APIKey, "/mj/submit/action", body)
}

func (a *Adapter) submit(ctx context.Context, taskID uint, baseURL, apiKey, path string, body map[string]any) (string, error) {
	payload, _ := json.Marshal(body)
	url := gen.JoinURL(baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	gen.BearerTokenHeaders(req, apiKey)

	a.trace.Request(taskID, url, http.MethodPost, nil, string(payload))
	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		a.trace.Response(taskID, 0, "", err, time.Since(start))
		return "", gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: apiFormat})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := gen.ReadErrorMessage(resp.Body)
		a.trace.Response(taskID, resp.StatusCode, msg, nil, time.Since(start))
		return "", gen.Classify(gen.ClassifyInput{HTTPStatus: resp.StatusCode, Message: msg, Provider: apiFormat})
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: apiFormat})
	}
	a.trace.Response(taskID, resp.StatusCode, string(raw), nil, time.Since(start))

	var parsed submitResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &gen.Error{Code: gen.ErrParse, Message: gen.UserMessage(gen.ErrParse), Provider: apiFormat, Cause: err}
	}
	// code 1 受理；21/22 为排队/重复提交，同样携带任务 ID
	if parsed.Code != 1 && parsed.Code != 21 && parsed.Code != 22 {
		return "", gen.Classify(gen.ClassifyInput{Message: parsed.Description, Provider: apiFormat})
	}
	if parsed.Result == "" {
		return "", &gen.Error{Code: gen.ErrEmptyResponse, Message: gen.UserMessage(gen.ErrEmptyResponse), Provider: apiFormat}
	}
	return parsed.Result, nil
}

// Query 查询上游任务状态并归一化。
func (a *Adapter) Query(ctx context.Context, params gen.QueryParams) (*gen.QueryResult, error) {
	url := gen.JoinURL(params.BaseURL, fmt.Sprintf("/mj/task/%s/fetch", params.UpstreamTaskID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	gen.BearerTokenHeaders(req, params.APIKey)

	a.trace.Request(params.TaskID, url, http.MethodGet, nil, "")
	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		a.trace.Response(params.TaskID, 0, "", err, time.Since(start))
		return nil, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: apiFormat})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := gen.ReadErrorMessage(resp.Body)
		a.trace.Response(params.TaskID, resp.StatusCode, msg, nil, time.Since(start))
		return nil, gen.Classify(gen.ClassifyInput{HTTPStatus: resp.StatusCode, Message: msg, Provider: apiFormat})
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: apiFormat})
	}
	a.trace.Response(params.TaskID, resp.StatusCode, string(raw), nil, time.Since(start))

	var parsed fetchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &gen.Error{Code: gen.ErrParse, Message: gen.UserMessage(gen.ErrParse), Provider: apiFormat, Cause: err}
	}

	status, known := statusTable[parsed.Status]
	if !known {
		a.trace.Warn(params.TaskID, "unrecognized vendor status, treating as processing",
			zap.String("vendor_status", parsed.Status))
		status = gen.QueryProcessing
	}

	result := &gen.QueryResult{
		Status:   status,
		Progress: gen.NormalizeProgress(parsed.Progress),
	}
	switch status {
	case gen.QuerySuccess:
		result.ResourceURL = parsed.ImageURL
		for _, b := range parsed.Buttons {
			result.Buttons = append(result.Buttons, gen.Button{
				CustomID: b.CustomID,
				Label:    b.Label,
				Emoji:    b.Emoji,
				Style:    b.Style,
			})
		}
	case gen.QueryFailed:
		result.Error = parsed.FailReason
	}
	return result, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
