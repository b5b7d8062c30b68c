package strategy

import (
	"errors"
	"time"

	"github.com/makerdesk/mm-core/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// UpsertInstance creates or replaces the persisted form of a session.
func (d *Database) UpsertInstance(instance *types.StrategyInstance) error {
	var existing types.StrategyInstance
	err := d.db.Where("strategy_key = ?", instance.StrategyKey).First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			instance.CreatedAt = time.Now()
			instance.UpdatedAt = instance.CreatedAt
			return d.db.Create(instance).Error
		}
		return err
	}
	instance.ID = existing.ID
	instance.CreatedAt = existing.CreatedAt
	instance.UpdatedAt = time.Now()
	return d.db.Save(instance).Error
}

// GetInstance returns the instance for a strategy key, or nil.
func (d *Database) GetInstance(strategyKey string) (*types.StrategyInstance, error) {
	var instance types.StrategyInstance
	if err := d.db.Where("strategy_key = ?", strategyKey).First(&instance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &instance, nil
}

// SetStatus transitions an instance's status.
func (d *Database) SetStatus(strategyKey, status string) error {
	result := d.db.Model(&types.StrategyInstance{}).
		Where("strategy_key = ?", strategyKey).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("strategy instance not found")
	}
	return nil
}

// ListActive returns all instances with status active, for session rebuild.
func (d *Database) ListActive() ([]types.StrategyInstance, error) {
	var instances []types.StrategyInstance
	err := d.db.Where("status = ?", types.InstanceStatusActive).
		Order("strategy_key ASC").
		Find(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}
