// Package dalle 实现 OpenAI 兼容的同步图像生成适配器。
// 文生图走 JSON /v1/images/generations，带参考图时切换到
// multipart /v1/images/edits。
package dalle

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

const apiFormat = "dalle"

// Adapter OpenAI 兼容图像接口。
type Adapter struct {
	client *http.Client
	trace  *tracelog.Logger
}

// New 创建适配器。
func New(log *zap.Logger) *Adapter {
	return &Adapter{
		client: &http.Client{Timeout: 120 * time.Second},
		trace:  tracelog.New(log),
	}
}

func (a *Adapter) Meta() gen.Metadata {
	return gen.Metadata{
		APIFormat:  apiFormat,
		Label:      "DALL-E / GPT-Image",
		Category:   gen.CategoryImage,
		IsAsync:    false,
		ModelTypes: []string{"dalle", "gpt-image"},
		Capabilities: gen.Capabilities{
			ReferenceImage: true,
			Size:           true,
			Quality:        true,
		},
		Validation: gen.Validation{
			RequirePrompt:    true,
			SupportsImageURL: false, // 图片必须以 base64 形式提交
		},
	}
}

type generationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imageResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	} `json:"data"`
}

// Generate 完成一次完整的厂商往返。
func (a *Adapter) Generate(ctx context.Context, params gen.GenerateParams) (*gen.GenerateResult, error) {
	if len(params.Images) > 0 {
		return a.edit(ctx, params)
	}

	body := generationRequest{
		Model:  params.ModelName,
		Prompt: params.Prompt,
		N:      1,
	}
	if size := params.ModelParams["size"]; size != "" {
		body.Size = size
	}
	if quality := params.ModelParams["quality"]; quality != "" {
		body.Quality = quality
	}
	if rf := params.ModelParams["response_format"]; rf != "" {
		body.ResponseFormat = rf
	}

	payload, _ := json.Marshal(body)
	url := gen.JoinURL(params.BaseURL, "/v1/images/generations")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	gen.BearerTokenHeaders(req, params.APIKey)

	a.trace.Request(params.TaskID, url, http.MethodPost, nil, string(payload))
	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		a.trace.Response(params.TaskID, 0, "", err, time.Since(start))
		return nil, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: apiFormat})
	}
	defer resp.Body.Close()

	return a.parseResponse(params.TaskID, resp, time.Since(start))
}

// edit 带参考图的编辑/重混路径，厂商要求 multipart 表单。
func (a *Adapter) edit(ctx context.Context, params gen.GenerateParams) (*gen.GenerateResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for i, img := range params.Images {
		data, mimeType, err := decodeImage(img)
		if err != nil {
			return nil, &gen.Error{Code: gen.ErrInvalidParams, Message: gen.UserMessage(gen.ErrInvalidParams), Provider: apiFormat, Cause: err}
		}
		part, err := writer.CreateFormFile("image[]", fmt.Sprintf("image_%d%s", i, extFor(mimeType)))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
	}
	_ = writer.WriteField("model", params.ModelName)
	_ = writer.WriteField("prompt", params.Prompt)
	_ = writer.WriteField("n", "1")
	if size := params.ModelParams["size"]; size != "" {
		_ = writer.WriteField("size", size)
	}
	writer.Close()

	url := gen.JoinURL(params.BaseURL, "/v1/images/edits")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+params.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	a.trace.Request(params.TaskID, url, http.MethodPost, nil,
		fmt.Sprintf("multipart form: %d images, prompt=%s", len(params.Images), params.Prompt))
	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		a.trace.Response(params.TaskID, 0, "", err, time.Since(start))
		return nil, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: apiFormat})
	}
	defer resp.Body.Close()

	return a.parseResponse(params.TaskID, resp, time.Since(start))
}

// parseResponse 解析厂商响应。提不出图片按应用级失败处理，不抛错。
func (a *Adapter) parseResponse(taskID uint, resp *http.Response, elapsed time.Duration) (*gen.GenerateResult, error) {
	if resp.StatusCode >= 400 {
		msg := gen.ReadErrorMessage(resp.Body)
		a.trace.Response(taskID, resp.StatusCode, msg, nil, elapsed)
		return nil, gen.Classify(gen.ClassifyInput{
			HTTPStatus: resp.StatusCode,
			Message:    msg,
			Provider:   apiFormat,
		})
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gen.Classify(gen.ClassifyInput{Err: err, Message: err.Error(), Provider: apiFormat})
	}
	a.trace.Response(taskID, resp.StatusCode, string(raw), nil, elapsed)

	var parsed imageResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &gen.GenerateResult{
			Success: false,
			Error:   &gen.Error{Code: gen.ErrParse, Message: gen.UserMessage(gen.ErrParse), Provider: apiFormat, Cause: err},
		}, nil
	}
	if len(parsed.Data) == 0 {
		return &gen.GenerateResult{
			Success: false,
			Error:   &gen.Error{Code: gen.ErrEmptyResponse, Message: gen.UserMessage(gen.ErrEmptyResponse), Provider: apiFormat},
		}, nil
	}

	first := parsed.Data[0]
	if first.URL != "" {
		return &gen.GenerateResult{Success: true, ResourceURL: first.URL}, nil
	}
	if first.B64JSON != "" {
		return &gen.GenerateResult{Success: true, ImageBase64: first.B64JSON, MimeType: "image/png"}, nil
	}
	return &gen.GenerateResult{
		Success: false,
		Error:   &gen.Error{Code: gen.ErrEmptyResponse, Message: gen.UserMessage(gen.ErrEmptyResponse), Provider: apiFormat},
	}, nil
}

// decodeImage 解出 data URL 或裸 base64 的字节与 MIME。
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
