// Package kling 实现 Kling 风格的异步视频生成适配器。
package kling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/genflow/gen"
	"github.com/BaSui01/genflow/tracelog"
)

const apiFormat = "kling"

// 厂商状态词汇归一化表；未收录状态按 processing 处理并告警。
var statusTable = map[string]gen.QueryStatus{
	"submitted":  gen.QueryProcessing,
	"processing": gen.QueryProcessing,
	"succeed":    gen.QuerySuccess,
	"failed":     gen.QueryFailed,
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
		Label:      "Kling Video",
		Category:   gen.CategoryVideo,
		IsAsync:    true,
		ModelTypes: []string{"kling"},
		Capabilities: gen.Capabilities{
			ReferenceImage: true,
			NegativePrompt: true,
			Seed:           true,
		},
		Validation: gen.Validation{
			RequirePrompt:    true,
			SupportsImageURL: true, // 厂商直接接受图片 URL
		},
	}
}

type submitRequest struct {
	ModelName      string `json:"model_name"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Image          string `json:"image,omitempty"`
	Duration       string `json:"duration,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type submitData struct {
	TaskID string `json:"task_id"`
}

type queryData struct {
	TaskID        string `json:"task_id"`
	TaskStatus    string `json:"task_status"`
	TaskStatusMsg string `json:"task_status_msg"`
	TaskResult    *struct {
		Videos []struct {
			URL      string `json:"url"`
			Duration string `json:"duration"`
		} `json:"videos"`
	} `json:"task_result"`
}

func (a *Adapter) Submit(ctx context.Context, params gen.GenerateParams) (string, error) {
	body := submitRequest{
		ModelName:      params.ModelName,
		Prompt:         params.Prompt,
		NegativePrompt: params.ModelParams["negative_prompt"],
		Duration:       params.ModelParams["duration"],
		AspectRatio:    params.ModelParams["aspect_ratio"],
	}
	path := "/v1/videos/text2video"
	if len(params.Images) > 0 {
		body.Image = params.Images[0]
		path = "/v1/videos/image2video"
	}

	payload, _ := json.Marshal(body)
	url := gen.JoinURL(params.BaseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	gen.BearerTokenHeaders(req, params.APIKey)

	a.trace.Request(params.TaskID, url, http.MethodPost, nil, string(payload))
	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		a.trace.Response(params.TaskID, 0, "", err, time.Since(start))
		return "", gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: apiFormat})
	}
	defer resp.Body.Close()

	env, err := a.readEnvelope(params.TaskID, resp, time.Since(start))
	if err != nil {
		return "", err
	}
	var data submitData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.TaskID == "" {
		return "", &gen.Error{Code: gen.ErrParse, Message: gen.UserMessage(gen.ErrParse), Provider: apiFormat, Cause: err}
	}
	return data.TaskID, nil
}

func (a *Adapter) Query(ctx context.Context, params gen.QueryParams) (*gen.QueryResult, error) {
	url := gen.JoinURL(params.BaseURL, "/v1/videos/tasks/"+params.UpstreamTaskID)
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

	env, err := a.readEnvelope(params.TaskID, resp, time.Since(start))
	if err != nil {
		return nil, err
	}
	var data queryData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &gen.Error{Code: gen.ErrParse, Message: gen.UserMessage(gen.ErrParse), Provider: apiFormat, Cause: err}
	}

	status, known := statusTable[data.TaskStatus]
	if !known {
		a.trace.Warn(params.TaskID, "unrecognized vendor status, treating as processing",
			zap.String("vendor_status", data.TaskStatus))
		status = gen.QueryProcessing
	}

	result := &gen.QueryResult{Status: status}
	switch status {
	case gen.QuerySuccess:
		result.Progress = "100"
		if data.TaskResult != nil && len(data.TaskResult.Videos) > 0 {
			result.ResourceURL = data.TaskResult.Videos[0].URL
		}
	case gen.QueryFailed:
		result.Error = data.TaskStatusMsg
	default:
		// 处理中没有厂商进度，给一个区分提交/运行的粗略值
		if data.TaskStatus == "processing" {
			result.Progress = "50"
		} else {
			result.Progress = "0"
		}
	}
	return result, nil
}

// readEnvelope 读取厂商统一信封；HTTP 或业务 code 非零都按分类错误返回。
func (a *Adapter) readEnvelope(taskID uint, resp *http.Response, elapsed time.Duration) (*envelope, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: apiFormat})
	}
	a.trace.Response(taskID, resp.StatusCode, string(raw), nil, elapsed)

	if resp.StatusCode >= 400 {
		return nil, gen.Classify(gen.ClassifyInput{
			HTTPStatus: resp.StatusCode,
			Message:    gen.ReadErrorMessage(bytes.NewReader(raw)),
			Body:       string(raw),
			Provider:   apiFormat,
		})
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &gen.Error{Code: gen.ErrParse, Message: gen.UserMessage(gen.ErrParse), Provider: apiFormat, Cause: err}
	}
	if env.Code != 0 {
		return nil, gen.Classify(gen.ClassifyInput{
			Message:    env.Message,
			VendorCode: strconv.Itoa(env.Code),
			Provider:   apiFormat,
		})
	}
	return &env, nil
}
