// Package task 实现任务实体、状态机与编排器。
package task

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/genflow/gen"
)

// Status 任务状态机。
type Status string

const (
	StatusPending    Status = "pending"
	StatusSubmitting Status = "submitting"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal 是否处于终态。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanRetry 重试只允许从 failed/cancelled 出发。
func (s Status) CanRetry() bool {
	return s == StatusFailed || s == StatusCancelled
}

// CanCancel 取消只允许从非终态出发。
func (s Status) CanCancel() bool {
	switch s {
	case StatusPending, StatusSubmitting, StatusProcessing:
		return true
	default:
		return false
	}
}

// TaskType 产出类别。
type TaskType string

const (
	TypeImage TaskType = "image"
	TypeVideo TaskType = "video"
)

// Task 一个生成任务。除创建外只由编排器写入。
type Task struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	UniqueID string `gorm:"size:64;index" json:"unique_id,omitempty"` // 外部调用方的关联键
	UserID   uint   `gorm:"index;not null" json:"user_id"`

	TaskType  TaskType `gorm:"size:16;not null" json:"task_type"`
	ModelType string   `gorm:"size:64;not null" json:"model_type"`
	APIFormat string   `gorm:"size:64;not null" json:"api_format"`
	ModelName string   `gorm:"size:256;not null" json:"model_name"`

	Prompt      string `gorm:"type:text" json:"prompt,omitempty"`
	Images      string `gorm:"type:text" json:"-"` // JSON 数组：URL 或 base64
	ModelParams string `gorm:"type:text" json:"-"` // JSON 对象：厂商参数透传
	Mode        string `gorm:"size:16;default:imagine" json:"mode"`

	Status         Status  `gorm:"size:16;index;default:pending" json:"status"`
	UpstreamTaskID string  `gorm:"size:256" json:"upstream_task_id,omitempty"`
	Progress       string  `gorm:"size:16" json:"progress,omitempty"`
	ResourceURL    string  `gorm:"size:512" json:"resource_url,omitempty"`
	Error          string  `gorm:"type:text" json:"error,omitempty"`
	Buttons        string  `gorm:"type:text" json:"-"` // JSON 数组：厂商后续动作
	Blurred        bool    `gorm:"default:false" json:"blurred"`
	Duration       float64 `gorm:"default:0" json:"duration"` // 秒，成功时计算一次

	UpstreamID uint `gorm:"index;not null" json:"upstream_id"`
	ModelID    uint `gorm:"index;not null" json:"model_id"`

	CreatedAt time.Time      `json:"created_at"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Task) TableName() string { return "gen_tasks" }

// ImageList 解码输入图片列表。
func (t *Task) ImageList() []string {
	if t.Images == "" {
		return nil
	}
	var images []string
	if err := json.Unmarshal([]byte(t.Images), &images); err != nil {
		return nil
	}
	return images
}

// SetImageList 编码输入图片列表。
func (t *Task) SetImageList(images []string) {
	if len(images) == 0 {
		t.Images = ""
		return
	}
	raw, _ := json.Marshal(images)
	t.Images = string(raw)
}

// ParamMap 解码厂商参数。
func (t *Task) ParamMap() map[string]string {
	if t.ModelParams == "" {
		return nil
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(t.ModelParams), &params); err != nil {
		return nil
	}
	return params
}

// SetParamMap 编码厂商参数。
func (t *Task) SetParamMap(params map[string]string) {
	if len(params) == 0 {
		t.ModelParams = ""
		return
	}
	raw, _ := json.Marshal(params)
	t.ModelParams = string(raw)
}

// ButtonList 解码厂商后续动作。
func (t *Task) ButtonList() []gen.Button {
	if t.Buttons == "" {
		return nil
	}
	var buttons []gen.Button
	if err := json.Unmarshal([]byte(t.Buttons), &buttons); err != nil {
		return nil
	}
	return buttons
}

// SetButtonList 编码厂商后续动作。
func (t *Task) SetButtonList(buttons []gen.Button) {
	if len(buttons) == 0 {
		t.Buttons = ""
		return
	}
	raw, _ := json.Marshal(buttons)
	t.Buttons = string(raw)
}
