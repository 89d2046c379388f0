package gen

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ReadErrorMessage 读取响应体中的错误消息。
// 先尝试解析通用 JSON 错误信封，失败则回退到原始文本。
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil {
		if errResp.Error.Message != "" {
			if errResp.Error.Type != "" {
				return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
			}
			return errResp.Error.Message
		}
		if errResp.Message != "" {
			return errResp.Message
		}
	}
	return string(data)
}

// BearerTokenHeaders 标准 Bearer token 认证头。
func BearerTokenHeaders(r *http.Request, apiKey string) {
	r.Header.Set("Authorization", "Bearer "+apiKey)
	r.Header.Set("Content-Type", "application/json")
}

// JoinURL 拼接 base 与 path，避免出现双斜杠。
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// NormalizeProgress 把厂商的进度表示归一化为 "0"~"100"。
// 支持纯数字与嵌在文本中的 "NN%" 子串；识别不出时返回空串。
func NormalizeProgress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if idx := strings.Index(raw, "%"); idx > 0 {
		start := idx
		for start > 0 && raw[start-1] >= '0' && raw[start-1] <= '9' {
			start--
		}
		if start < idx {
			raw = raw[start:idx]
		}
	}
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return ""
		}
		n = n*10 + int(c-'0')
	}
	if n > 100 {
		n = 100
	}
	return fmt.Sprintf("%d", n)
}
