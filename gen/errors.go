package gen

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
)

// 统一的生成任务错误码，用于对齐上游 HTTP 状态、厂商错误与用户提示。
type ErrorCode string

const (
	ErrContentFiltered  ErrorCode = "GEN_CONTENT_FILTERED"  // 命中内容安全
	ErrQuotaExceeded    ErrorCode = "GEN_QUOTA_EXCEEDED"    // 额度/余额用尽
	ErrRateLimited      ErrorCode = "GEN_RATE_LIMITED"      // 上游限流
	ErrAuthFailed       ErrorCode = "GEN_AUTH_FAILED"       // 密钥无效或无权限
	ErrModelUnavailable ErrorCode = "GEN_MODEL_UNAVAILABLE" // 模型不存在或已下线
	ErrInvalidParams    ErrorCode = "GEN_INVALID_PARAMS"    // 参数/格式错误
	ErrUpstreamTimeout  ErrorCode = "GEN_UPSTREAM_TIMEOUT"  // 上游超时
	ErrNetwork          ErrorCode = "GEN_NETWORK_ERROR"     // 网络/连接失败
	ErrEmptyResponse    ErrorCode = "GEN_EMPTY_RESPONSE"    // 上游返回空结果
	ErrParse            ErrorCode = "GEN_PARSE_ERROR"       // 响应无法解析
	ErrSaveFailed       ErrorCode = "GEN_SAVE_FAILED"       // 本地落盘失败
	ErrUnknown          ErrorCode = "GEN_UNKNOWN"           // 未能归类
)

// Error 是适配器向编排器暴露的唯一错误形态。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Cause }

// userMessages 每个错误码对应一条固定的、面向用户的单句提示。
var userMessages = map[ErrorCode]string{
	ErrContentFiltered:  "内容被安全过滤器拒绝",
	ErrQuotaExceeded:    "账户额度不足，请充值后重试",
	ErrRateLimited:      "请求过于频繁，请稍后重试",
	ErrAuthFailed:       "API 密钥无效或已过期",
	ErrModelUnavailable: "所选模型不可用",
	ErrInvalidParams:    "请求参数不合法",
	ErrUpstreamTimeout:  "上游服务响应超时",
	ErrNetwork:          "网络连接失败，请检查网络",
	ErrEmptyResponse:    "上游返回了空结果",
	ErrParse:            "无法解析上游响应",
	ErrSaveFailed:       "生成结果保存到本地失败",
	ErrUnknown:          "生成失败，请稍后重试",
}

// UserMessage 返回错误码对应的用户提示；未知错误码退回通用提示。
func UserMessage(code ErrorCode) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return userMessages[ErrUnknown]
}

// ClassifyInput 携带分类时可用的任意子集；全部字段可为空。
type ClassifyInput struct {
	HTTPStatus int
	VendorCode string
	VendorType string
	Message    string
	Body       string
	Err        error
	Provider   string
}

// 关键字表按优先级排列，先命中先返回。
var keywordRules = []struct {
	code     ErrorCode
	keywords []string
}{
	{ErrContentFiltered, []string{"content policy", "content_policy", "safety", "moderation", "sensitive", "违规", "敏感", "blocked by", "prohibited"}},
	{ErrEmptyResponse, []string{"empty response", "no content", "no image", "empty result", "返回为空"}},
	{ErrQuotaExceeded, []string{"quota", "insufficient balance", "insufficient credit", "billing", "余额不足", "欠费", "credit"}},
	{ErrRateLimited, []string{"rate limit", "too many requests", "ratelimit", "请求过于频繁"}},
	{ErrAuthFailed, []string{"invalid api key", "unauthorized", "api key", "authentication", "无效的令牌", "forbidden"}},
	{ErrModelUnavailable, []string{"model not found", "model_not_found", "no such model", "unknown model", "模型不存在"}},
	{ErrUpstreamTimeout, []string{"timeout", "timed out", "deadline exceeded", "超时"}},
	{ErrNetwork, []string{"connection refused", "connection reset", "no such host", "econnrefused", "network", "broken pipe"}},
}

// Classify 把任意厂商失败归入封闭错误码集合。
// 纯函数：不做 I/O，零值输入也能得到合法结果，从不 panic。
func Classify(in ClassifyInput) *Error {
	// 已归类的错误直接透传
	if in.Err != nil {
		var ge *Error
		if errors.As(in.Err, &ge) {
			return ge
		}
	}

	// 关键字扫描优先：携带内容安全/额度等高优先级词汇的传输错误
	// 按词汇归类，不被异常类型抢先定为超时/网络
	haystack := strings.ToLower(strings.Join([]string{
		in.Message, in.VendorCode, in.VendorType, in.Body, errText(in.Err),
	}, " "))

	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				retryable := rule.code == ErrRateLimited || rule.code == ErrUpstreamTimeout || rule.code == ErrNetwork
				return newClassified(rule.code, in, retryable)
			}
		}
	}

	// 关键字未命中时按传输层异常类型识别
	if in.Err != nil {
		if errors.Is(in.Err, context.DeadlineExceeded) || errors.Is(in.Err, os.ErrDeadlineExceeded) {
			return newClassified(ErrUpstreamTimeout, in, true)
		}
		var netErr net.Error
		if errors.As(in.Err, &netErr) {
			if netErr.Timeout() {
				return newClassified(ErrUpstreamTimeout, in, true)
			}
			return newClassified(ErrNetwork, in, true)
		}
	}

	// 仍未命中时回退到 HTTP 状态码分桶
	switch in.HTTPStatus {
	case http.StatusUnauthorized, http.StatusForbidden:
		return newClassified(ErrAuthFailed, in, false)
	case http.StatusPaymentRequired:
		return newClassified(ErrQuotaExceeded, in, false)
	case http.StatusNotFound:
		return newClassified(ErrModelUnavailable, in, false)
	case http.StatusTooManyRequests:
		return newClassified(ErrRateLimited, in, true)
	case http.StatusBadRequest:
		return newClassified(ErrInvalidParams, in, false)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return newClassified(ErrUpstreamTimeout, in, true)
	}

	// 仍无法归类：保留原始消息，避免丢失厂商信息
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		msg = strings.TrimSpace(errText(in.Err))
	}
	if msg == "" {
		msg = UserMessage(ErrUnknown)
	}
	return &Error{
		Code:       ErrUnknown,
		Message:    msg,
		HTTPStatus: in.HTTPStatus,
		Retryable:  in.HTTPStatus >= 500,
		Provider:   in.Provider,
		Cause:      in.Err,
	}
}

func newClassified(code ErrorCode, in ClassifyInput, retryable bool) *Error {
	return &Error{
		Code:       code,
		Message:    UserMessage(code),
		HTTPStatus: in.HTTPStatus,
		Retryable:  retryable,
		Provider:   in.Provider,
		Cause:      in.Err,
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ClassifyErr 是 Classify 的便捷形式，用于只有 error 可用的场景。
func ClassifyErr(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	return Classify(ClassifyInput{Provider: provider, Err: err, Message: err.Error()})
}
