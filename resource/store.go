// Package resource 负责把生成结果持久化到本地并给出稳定定位符。
// 定位符形如 "/resources/<uuid>.<ext>"，由独立的文件服务端点消费。
package resource

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const locatorPrefix = "/resources/"

// Store 本地目录存储。
type Store struct {
	dir    string
	client *http.Client
}

// NewStore 创建存储；目录不存在时自动建立。
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create resource dir: %w", err)
	}
	return &Store{
		dir:    dir,
		client: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Save 落盘字节流并返回定位符。
func (s *Store) Save(data []byte, ext string) (string, error) {
	if ext == "" {
		ext = ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write resource file: %w", err)
	}
	return locatorPrefix + name, nil
}

// SaveBase64 解码 base64 载荷（裸串或 data URL 均可）并落盘。
func (s *Store) SaveBase64(payload, mimeType string) (string, error) {
	raw := payload
	if strings.HasPrefix(payload, "data:") {
		if idx := strings.Index(payload, ";base64,"); idx > 0 {
			if mimeType == "" {
				mimeType = payload[len("data:"):idx]
			}
			raw = payload[idx+len(";base64,"):]
		}
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode base64 payload: %w", err)
	}
	return s.Save(data, extForMime(mimeType))
}

// Download 拉取远程资源并落盘。
func (s *Store) Download(ctx context.Context, remoteURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download resource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download resource: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read resource body: %w", err)
	}

	ext := path.Ext(strings.SplitN(path.Base(remoteURL), "?", 2)[0])
	if ext == "" {
		ext = extForMime(resp.Header.Get("Content-Type"))
	}
	return s.Save(data, ext)
}

// ReadAsBase64 读取本地资源并编码为 data URL；文件不存在时返回错误。
func (s *Store) ReadAsBase64(locator string) (string, error) {
	name, ok := s.localName(locator)
	if !ok {
		return "", fmt.Errorf("not a local locator: %s", locator)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("read resource %s: %w", name, err)
	}
	mimeType := mime.TypeByExtension(path.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// IsLocal 判断定位符是否指向本地已物化的资源。
// 轮询重入时用它避免对同一结果重复下载。
func (s *Store) IsLocal(locator string) bool {
	_, ok := s.localName(locator)
	return ok
}

func (s *Store) localName(locator string) (string, bool) {
	if !strings.HasPrefix(locator, locatorPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(locator, locatorPrefix)
	// 拒绝路径穿越
	if name == "" || name != path.Base(name) {
		return "", false
	}
	return name, true
}

func extForMime(mimeType string) string {
	if idx := strings.Index(mimeType, ";"); idx > 0 {
		mimeType = mimeType[:idx]
	}
	switch strings.TrimSpace(mimeType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	default:
		return ".bin"
	}
}
