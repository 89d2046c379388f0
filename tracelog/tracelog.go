// Package tracelog 记录任务级的上游请求/响应对，供运维排查。
// 写日志永不失败外溢，base64 载荷在落盘前截断。
package tracelog

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// 超过该长度的疑似 base64 载荷只保留前缀。
const maxPayloadLen = 256

// Logger 任务维度的结构化请求/响应记录器。
type Logger struct {
	log *zap.Logger
}

// New 创建记录器；logger 为 nil 时退化为 no-op。
func New(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log}
}

// Request 记录一次即将发出的上游请求。
func (l *Logger) Request(taskID uint, url, method string, headers map[string]string, body string) {
	defer recoverSilently()
	redacted := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.EqualFold(k, "Authorization") {
			v = "[REDACTED]"
		}
		redacted[k] = v
	}
	l.log.Info("upstream request",
		zap.Uint("task_id", taskID),
		zap.String("url", url),
		zap.String("method", method),
		zap.Any("headers", redacted),
		zap.String("body", Truncate(body)),
	)
}

// Response 记录一次上游响应。
func (l *Logger) Response(taskID uint, status int, body string, err error, duration time.Duration) {
	defer recoverSilently()
	fields := []zap.Field{
		zap.Uint("task_id", taskID),
		zap.Int("status", status),
		zap.String("body", Truncate(body)),
		zap.Duration("duration", duration),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		l.log.Warn("upstream response", fields...)
		return
	}
	l.log.Info("upstream response", fields...)
}

// Warn 记录一条任务维度的警告（如未识别的厂商状态）。
func (l *Logger) Warn(taskID uint, msg string, fields ...zap.Field) {
	defer recoverSilently()
	l.log.Warn(msg, append([]zap.Field{zap.Uint("task_id", taskID)}, fields...)...)
}

// Truncate 截断疑似 base64/data-URL 的长载荷，保留可读前缀。
func Truncate(s string) string {
	if len(s) <= maxPayloadLen {
		return s
	}
	if strings.Contains(s, "base64") || looksLikeBase64(s) {
		return s[:64] + "...[truncated " + strconv.Itoa(len(s)) + " bytes]"
	}
	return s[:maxPayloadLen] + "...[truncated]"
}

func looksLikeBase64(s string) bool {
	probe := s
	if len(probe) > 128 {
		probe = probe[:128]
	}
	nonB64 := 0
	for _, c := range probe {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			nonB64++
		}
	}
	return nonB64 < 8
}

func recoverSilently() { _ = recover() }
