package gen

import "context"

// Category 适配器产出的资源类别。
type Category string

const (
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
)

// Mode 选择适配器的子操作。
type Mode string

const (
	ModeImagine Mode = "imagine" // 常规生成
	ModeBlend   Mode = "blend"   // 多图融合
)

// Capabilities 描述适配器可接受的生成参数。
type Capabilities struct {
	ReferenceImage bool `json:"reference_image"` // 支持参考图
	NegativePrompt bool `json:"negative_prompt"`
	Size           bool `json:"size"`
	Quality        bool `json:"quality"`
	Seed           bool `json:"seed"`
	Buttons        bool `json:"buttons"` // 成功后返回可执行的后续动作
}

// Validation 请求校验层与编排器使用的输入约束。
type Validation struct {
	RequirePrompt bool `json:"require_prompt"`
	RequireImage  bool `json:"require_image"`
	// SupportsImageURL 为 false 时，编排器必须先把远程图片拉取并转成 base64。
	SupportsImageURL bool `json:"supports_image_url"`
}

// Metadata 每个适配器的静态元信息。
type Metadata struct {
	APIFormat    string       `json:"api_format"` // 注册表查找键
	Label        string       `json:"label"`
	Category     Category     `json:"category"`
	IsAsync      bool         `json:"is_async"`
	ModelTypes   []string     `json:"model_types"`
	Capabilities Capabilities `json:"capabilities"`
	Validation   Validation   `json:"validation"`
}

// GenerateParams 所有适配器共享的输入。
// Images 已按适配器的 SupportsImageURL 规则归一化（URL 或 base64）。
type GenerateParams struct {
	TaskID      uint              `json:"task_id"`
	Prompt      string            `json:"prompt"`
	Images      []string          `json:"images,omitempty"`
	ModelName   string            `json:"model_name"`
	ModelParams map[string]string `json:"model_params,omitempty"`
	Mode        Mode              `json:"mode"`
	APIKey      string            `json:"-"`
	BaseURL     string            `json:"-"`
}

// GenerateResult 同步适配器的完整结果。
// 非异常失败（厂商明确说"不行"）通过 Success=false 表达，而不是 error。
type GenerateResult struct {
	Success     bool   `json:"success"`
	ResourceURL string `json:"resource_url,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Error       *Error `json:"error,omitempty"`
}

// QueryStatus 异步查询归一化后的三值状态。
type QueryStatus string

const (
	QueryProcessing QueryStatus = "processing"
	QuerySuccess    QueryStatus = "success"
	QueryFailed     QueryStatus = "failed"
)

// Button 厂商返回的后续动作（目前仅 Midjourney 一族使用）。
type Button struct {
	CustomID string `json:"custom_id"`
	Label    string `json:"label"`
	Emoji    string `json:"emoji,omitempty"`
	Style    int    `json:"style,omitempty"`
}

// QueryResult 异步适配器一次状态查询的归一化结果。
type QueryResult struct {
	Status      QueryStatus `json:"status"`
	Progress    string      `json:"progress,omitempty"` // "0"~"100"
	ResourceURL string      `json:"resource_url,omitempty"`
	Error       string      `json:"error,omitempty"`
	Buttons     []Button    `json:"buttons,omitempty"`
}

// SyncProvider 单次调用即返回最终结果的厂商。
type SyncProvider interface {
	Meta() Metadata
	Generate(ctx context.Context, params GenerateParams) (*GenerateResult, error)
}

// AsyncProvider 先提交、后轮询的厂商。
// Submit 失败以 error 表达；Query 的厂商侧失败通过 QueryResult.Status 表达。
type AsyncProvider interface {
	Meta() Metadata
	Submit(ctx context.Context, params GenerateParams) (upstreamTaskID string, err error)
	Query(ctx context.Context, params QueryParams) (*QueryResult, error)
}

// ActionProvider 在 AsyncProvider 之上支持按钮式后续动作，
// 动作结果是一个全新的上游任务。
type ActionProvider interface {
	AsyncProvider
	Action(ctx context.Context, params ActionParams) (upstreamTaskID string, err error)
}

// QueryParams 状态查询输入。
type QueryParams struct {
	TaskID         uint   `json:"task_id"`
	UpstreamTaskID string `json:"upstream_task_id"`
	APIKey         string `json:"-"`
	BaseURL        string `json:"-"`
}

// ActionParams 按钮动作输入。
type ActionParams struct {
	TaskID           uint   `json:"task_id"`
	ParentUpstreamID string `json:"parent_upstream_id"`
	CustomID         string `json:"custom_id"`
	APIKey           string `json:"-"`
	BaseURL          string `json:"-"`
}
