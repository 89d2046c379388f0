// Package upstream 管理厂商账号配置与模型配置。
package upstream

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Upstream 一个已配置的厂商账号：BaseURL + 凭据。
type Upstream struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"size:128;not null" json:"name"`
	BaseURL   string `gorm:"size:512;not null" json:"base_url"`
	APIKey    string `gorm:"size:512;not null" json:"-"`
	ExtraKeys string `gorm:"type:text" json:"-"` // 命名密钥 JSON 映射
	Enabled   bool   `gorm:"default:true" json:"enabled"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Upstream) TableName() string { return "upstreams" }

// ResolveKey 取指定名称的密钥；名称为空或未配置时退回主密钥。
func (u *Upstream) ResolveKey(name string) string {
	if name == "" || u.ExtraKeys == "" {
		return u.APIKey
	}
	var keys map[string]string
	if err := json.Unmarshal([]byte(u.ExtraKeys), &keys); err != nil {
		return u.APIKey
	}
	if key, ok := keys[name]; ok && key != "" {
		return key
	}
	return u.APIKey
}

// Model 一个可用的厂商模型及其配置。
type Model struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	UpstreamID uint   `gorm:"index;not null" json:"upstream_id"`
	ModelName  string `gorm:"size:256;not null" json:"model_name"`
	ModelType  string `gorm:"size:64;not null" json:"model_type"`
	APIFormat  string `gorm:"size:64;not null" json:"api_format"`
	KeyName    string `gorm:"size:128" json:"key_name"` // 使用的命名密钥，空为主密钥
	// EstimatedSeconds 该模型的完成耗时滑动估计，用于前端预测进度。
	EstimatedSeconds float64 `gorm:"default:0" json:"estimated_seconds"`
	SampleCount      int64   `gorm:"default:0" json:"sample_count"`
	Enabled          bool    `gorm:"default:true" json:"enabled"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Model) TableName() string { return "ai_models" }

// Repo 账号与模型配置的数据访问层。
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// AutoMigrate 建表。
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Upstream{}, &Model{}); err != nil {
		return fmt.Errorf("migrate upstream tables: %w", err)
	}
	return nil
}

// GetUpstream 取账号配置。
func (r *Repo) GetUpstream(id uint) (*Upstream, error) {
	var u Upstream
	if err := r.db.First(&u, id).Error; err != nil {
		return nil, fmt.Errorf("load upstream %d: %w", id, err)
	}
	return &u, nil
}

// GetModel 取模型配置。
func (r *Repo) GetModel(id uint) (*Model, error) {
	var m Model
	if err := r.db.First(&m, id).Error; err != nil {
		return nil, fmt.Errorf("load model %d: %w", id, err)
	}
	return &m, nil
}

// 新样本在滑动估计中的权重。
const estimateAlpha = 0.3

// UpdateEstimate 用一次观测到的完成耗时更新模型的滑动估计。
// 失败只影响预测精度，调用方按 fire-and-forget 处理。
func (r *Repo) UpdateEstimate(modelID uint, observedSeconds float64) error {
	if observedSeconds <= 0 {
		return nil
	}
	var m Model
	if err := r.db.First(&m, modelID).Error; err != nil {
		return fmt.Errorf("load model %d: %w", modelID, err)
	}
	next := observedSeconds
	if m.SampleCount > 0 && m.EstimatedSeconds > 0 {
		next = m.EstimatedSeconds*(1-estimateAlpha) + observedSeconds*estimateAlpha
	}
	return r.db.Model(&Model{}).Where("id = ?", modelID).Updates(map[string]any{
		"estimated_seconds": next,
		"sample_count":      gorm.Expr("sample_count + 1"),
	}).Error
}
