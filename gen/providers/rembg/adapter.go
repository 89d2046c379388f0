// Package rembg 实现异步抠图（背景移除）适配器。
// 只接受一张输入图，不接受文本提示；提交走 multipart 表单。
package rembg

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/genflow/gen"
	"github.com/BaSui01/genflow/tracelog"
)

const apiFormat = "rembg"

var statusTable = map[string]gen.QueryStatus{
	"queued":     gen.QueryProcessing,
	"processing": gen.QueryProcessing,
	"completed":  gen.QuerySuccess,
	"error":      gen.QueryFailed,
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
		Label:      "Background Removal",
		Category:   gen.CategoryImage,
		IsAsync:    true,
		ModelTypes: []string{"rembg"},
		Capabilities: gen.Capabilities{
			ReferenceImage: true,
		},
		Validation: gen.Validation{
			RequirePrompt:    false, // 抠图不需要也不接受提示词
			RequireImage:     true,
			SupportsImageURL: false,
		},
	}
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

type queryResponse struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Output   string `json:"output,omitempty"` // 结果图 URL
	Error    string `json:"error,omitempty"`
}

func (a *Adapter) Submit(ctx context.Context, params gen.GenerateParams) (string, error) {
	if len(params.Images) == 0 {
		return "", &gen.Error{Code: gen.ErrInvalidParams, Message: gen.UserMessage(gen.ErrInvalidParams), Provider: apiFormat}
	}

	data, mimeType, err := decodeImage(params.Images[0])
	if err != nil {
		return "", &gen.Error{Code: gen.ErrInvalidParams, Message: gen.UserMessage(gen.ErrInvalidParams), Provider: apiFormat, Cause: err}
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", "input"+extFor(mimeType))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if model := params.ModelName; model != "" {
		_ = writer.WriteField("model", model)
	}
	writer.Close()

	url := gen.JoinURL(params.BaseURL, "/api/removebg")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+params.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	a.trace.Request(params.TaskID, url, http.MethodPost, nil,
		fmt.Sprintf("multipart form: 1 image (%d bytes)", len(data)))
	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		a.trace.Response(params.TaskID, 0, "", err, time.Since(start))
		return "", gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: apiFormat})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := gen.ReadErrorMessage(resp.Body)
		a.trace.Response(params.TaskID, resp.StatusCode, msg, nil, time.Since(start))
		return "", gen.Classify(gen.ClassifyInput{HTTPStatus: resp.StatusCode, Message: msg, Provider: apiFormat})
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: apiFormat})
	}
	a.trace.Response(params.TaskID, resp.StatusCode, string(raw), nil, time.Since(start))

	var parsed submitResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &gen.Error{Code: gen.ErrParse, Message: gen.UserMessage(gen.ErrParse), Provider: apiFormat, Cause: err}
	}
	if parsed.TaskID == "" {
		if parsed.Error != "" {
			return "", gen.Classify(gen.ClassifyInput{Message: parsed.Error, Provider: apiFormat})
		}
		return "", &gen.Error{Code: gen.ErrEmptyResponse, Message: gen.UserMessage(gen.ErrEmptyResponse), Provider: apiFormat}
	}
	return parsed.TaskID, nil
}

func (a *Adapter) Query(ctx context.Context, params gen.QueryParams) (*gen.QueryResult, error) {
	url := gen.JoinURL(params.BaseURL, "/api/removebg/"+params.UpstreamTaskID)
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

	var parsed queryResponse
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
		Progress: gen.NormalizeProgress(fmt.Sprintf("%d", parsed.Progress)),
	}
	switch status {
	case gen.QuerySuccess:
		result.ResourceURL = parsed.Output
	case gen.QueryFailed:
		result.Error = parsed.Error
	}
	return result, nil
}

func decodeImage(img string) ([]byte, string, error) {
	mimeType := "image/png"
	raw := img
	if strings.HasPrefix(img, "data:") {
		idx := strings.Index(img, ";base64,")
		if idx < 0 {
			return nil, "", fmt.Errorf("unsupported data url")
		}
		mimeType = img[len("data:"):idx]
		raw = img[idx+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, "", fmt.Errorf("decode image base64: %w", err)
	}
	return data, mimeType, nil
}

func extFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
