package task

import (
	"fmt"

	"gorm.io/gorm"
)

// Repo 任务的数据访问层。所有读写都按所有者作用域。
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// AutoMigrate 建表。
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Task{}); err != nil {
		return fmt.Errorf("migrate task table: %w", err)
	}
	return nil
}

// Create 写入新任务。
func (r *Repo) Create(t *Task) error {
	return r.db.Create(t).Error
}

// Get 按 ID 取任务（不含已删除）。
func (r *Repo) Get(id uint) (*Task, error) {
	var t Task
	if err := r.db.First(&t, id).Error; err != nil {
		return nil, fmt.Errorf("load task %d: %w", id, err)
	}
	return &t, nil
}

// GetOwned 按 ID 取任务并校验所有者。
func (r *Repo) GetOwned(id, userID uint) (*Task, error) {
	var t Task
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&t).Error; err != nil {
		return nil, fmt.Errorf("load task %d for user %d: %w", id, userID, err)
	}
	return &t, nil
}

// Save 整行保存。
func (r *Repo) Save(t *Task) error {
	return r.db.Save(t).Error
}

// Updates 按 ID 更新给定列。依赖单行更新的原子性完成状态迁移。
func (r *Repo) Updates(id uint, fields map[string]any) error {
	return r.db.Model(&Task{}).Where("id = ?", id).Updates(fields).Error
}

// ListByUser 列出用户未删除的任务，按创建时间倒序。
func (r *Repo) ListByUser(userID uint, limit, offset int) ([]*Task, error) {
	var tasks []*Task
	q := r.db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListProcessing 列出仍在处理中的异步任务，供轮询驱动使用。
func (r *Repo) ListProcessing() ([]*Task, error) {
	var tasks []*Task
	if err := r.db.Where("status = ?", StatusProcessing).Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// Delete 软删除（移入回收站），保留全部字段。
func (r *Repo) Delete(id, userID uint) error {
	res := r.db.Where("id = ? AND user_id = ?", id, userID).Delete(&Task{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Restore 从回收站还原。
func (r *Repo) Restore(id, userID uint) error {
	res := r.db.Unscoped().Model(&Task{}).
		Where("id = ? AND user_id = ? AND deleted_at IS NOT NULL", id, userID).
		Update("deleted_at", nil)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListTrash 列出用户回收站中的任务。
func (r *Repo) ListTrash(userID uint) ([]*Task, error) {
	var tasks []*Task
	err := r.db.Unscoped().
		Where("user_id = ? AND deleted_at IS NOT NULL", userID).
		Order("deleted_at DESC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// EmptyTrash 永久删除该用户回收站中的任务，不可恢复。
// 只影响 deleted_at 非空的行，其他用户的任务不受影响。
func (r *Repo) EmptyTrash(userID uint) (int64, error) {
	res := r.db.Unscoped().
		Where("user_id = ? AND deleted_at IS NOT NULL", userID).
		Delete(&Task{})
	return res.RowsAffected, res.Error
}

// SetBlur 更新单个任务的模糊显示标记。
func (r *Repo) SetBlur(id, userID uint, blurred bool) error {
	res := r.db.Model(&Task{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("blurred", blurred)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// BatchBlur 批量更新模糊显示标记。
func (r *Repo) BatchBlur(ids []uint, userID uint, blurred bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.Model(&Task{}).
		Where("id IN ? AND user_id = ?", ids, userID).
		Update("blurred", blurred)
	return res.RowsAffected, res.Error
}
