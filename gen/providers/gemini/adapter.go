// Package gemini 实现 Gemini generateContent 的同步图像适配器。
// 结果以 inlineData base64 返回，参考图同样以 inlineData 提交。
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/genflow/gen"
	"github.com/BaSui01/genflow/tracelog"
)

const apiFormat = "gemini"

type Adapter struct {
	client *http.Client
	trace  *tracelog.Logger
}

func New(log *zap.Logger) *Adapter {
	return &Adapter{
		client: &http.Client{Timeout: 120 * time.Second},
		trace:  tracelog.New(log),
	}
}

func (a *Adapter) Meta() gen.Metadata {
	return gen.Metadata{
		APIFormat:  apiFormat,
		Label:      "Gemini Image",
		Category:   gen.CategoryImage,
		IsAsync:    false,
		ModelTypes: []string{"gemini", "imagen"},
		Capabilities: gen.Capabilities{
			ReferenceImage: true,
		},
		Validation: gen.Validation{
			RequirePrompt:    true,
			SupportsImageURL: false,
		},
	}
}

type contentPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateContentRequest struct {
	Contents []struct {
		Parts []contentPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig map[string]any `json:"generationConfig,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []contentPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

func (a *Adapter) Generate(ctx context.Context, params gen.GenerateParams) (*gen.GenerateResult, error) {
	parts := []contentPart{{Text: params.Prompt}}
	for _, img := range params.Images {
		mimeType, raw := splitDataURL(img)
		parts = append(parts, contentPart{InlineData: &inlineData{MimeType: mimeType, Data: raw}})
	}

	var body generateContentRequest
	body.Contents = append(body.Contents, struct {
		Parts []contentPart `json:"parts"`
	}{Parts: parts})
	body.GenerationConfig = map[string]any{"responseModalities": []string{"IMAGE"}}

	payload, _ := json.Marshal(body)
	url := gen.JoinURL(params.BaseURL, fmt.Sprintf("/v1beta/models/%s:generateContent", params.ModelName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", params.APIKey)

	a.trace.Request(params.TaskID, url, http.MethodPost, nil, string(payload))
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
	a.trace.Response(params.TaskID, resp.StatusCode, string(raw), nil, time.Since(start))

	var parsed generateContentResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &gen.GenerateResult{
			Success: false,
			Error:   &gen.Error{Code: gen.ErrParse, Message: gen.UserMessage(gen.ErrParse), Provider: apiFormat, Cause: err},
		}, nil
	}

	// 提示词被安全策略拦截时厂商返回 200 + blockReason
	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return &gen.GenerateResult{
			Success: false,
			Error:   &gen.Error{Code: gen.ErrContentFiltered, Message: gen.UserMessage(gen.ErrContentFiltered), Provider: apiFormat},
		}, nil
	}

	for _, cand := range parsed.Candidates {
		if cand.FinishReason == "SAFETY" || cand.FinishReason == "PROHIBITED_CONTENT" {
			return &gen.GenerateResult{
				Success: false,
				Error:   &gen.Error{Code: gen.ErrContentFiltered, Message: gen.UserMessage(gen.ErrContentFiltered), Provider: apiFormat},
			}, nil
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				return &gen.GenerateResult{
					Success:     true,
					ImageBase64: part.InlineData.Data,
					MimeType:    part.InlineData.MimeType,
				}, nil
			}
		}
	}
	return &gen.GenerateResult{
		Success: false,
		Error:   &gen.Error{Code: gen.ErrEmptyResponse, Message: gen.UserMessage(gen.ErrEmptyResponse), Provider: apiFormat},
	}, nil
}

// splitDataURL 拆出 data URL 的 MIME 与裸 base64；裸串按 PNG 处理。
func splitDataURL(img string) (string, string) {
	if strings.HasPrefix(img, "data:") {
		if idx := strings.Index(img, ";base64,"); idx > 0 {
			return img[len("data:"):idx], img[idx+len(";base64,"):]
		}
	}
	return "image/png", img
}
