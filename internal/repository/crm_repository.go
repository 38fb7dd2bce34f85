package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormCRMRepository struct {
	db *gorm.DB
}

func NewGormCRMRepository(db *gorm.DB) CRMRepository {
	return &gormCRMRepository{db: db}
}

// Upsert writes every column of record, replacing any existing row with the
// same id.
func (r *gormCRMRepository) Upsert(ctx context.Context, record CRMRecord) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", record.TableName(), err)
	}
	return nil
}

func (r *gormCRMRepository) Delete(ctx context.Context, record CRMRecord, id string) error {
	if id == "" {
		return errors.New("delete requires an id")
	}
	err := r.db.WithContext(ctx).Where("id = ?", id).Delete(record).Error
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", record.TableName(), id, err)
	}
	return nil
}
