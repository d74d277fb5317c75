package buildrecord

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

var ErrRecordNotFound = errors.New("build record not found")

type Repository interface {
	Create(ctx context.Context, rec *Record) error
	Finish(ctx context.Context, id uint, status types.BuildStatus, exitCode *int) error
	GetByIdentity(ctx context.Context, identity string) (*Record, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, rec *Record) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *repository) Finish(ctx context.Context, id uint, status types.BuildStatus, exitCode *int) error {
	res := r.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      status,
		"exit_code":   exitCode,
		"finished_at": time.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *repository) GetByIdentity(ctx context.Context, identity string) (*Record, error) {
	var rec Record
	if err := r.db.WithContext(ctx).Where("identity = ?", identity).Order("id desc").First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}
