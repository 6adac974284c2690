// Package repository persists the order aggregate.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/storewise/charging/internal/ordering/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Order, error) {
	var order domain.Order
	err := r.db.WithContext(ctx).Preload("Contracts").First(&order, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("find order %d: %w", id, err)
	}
	return &order, nil
}

func (r *Repository) FindByExternalID(ctx context.Context, externalID string) (*domain.Order, error) {
	var order domain.Order
	err := r.db.WithContext(ctx).Preload("Contracts").First(&order, "external_id = ?", externalID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("find order %s: %w", externalID, err)
	}
	return &order, nil
}

// FindPaid lists orders in paid state; the renewal and usage jobs scan
// these for due charges.
func (r *Repository) FindPaid(ctx context.Context) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := r.db.WithContext(ctx).Preload("Contracts").
		Where("state = ?", domain.OrderStatePaid).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list paid orders: %w", err)
	}
	return orders, nil
}

// Save persists the order together with its contracts.
func (r *Repository) Save(ctx context.Context, order *domain.Order) error {
	err := r.db.WithContext(ctx).Session(&gorm.Session{FullSaveAssociations: true}).Save(order).Error
	if err != nil {
		return fmt.Errorf("save order %d: %w", order.ID, err)
	}
	return nil
}

// Delete removes the order and its contracts. Used only on irrecoverable
// initial-charge failure.
func (r *Repository) Delete(ctx context.Context, order *domain.Order) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", order.ID).Delete(&domain.Contract{}).Error; err != nil {
			return fmt.Errorf("delete contracts of order %d: %w", order.ID, err)
		}
		if err := tx.Delete(&domain.Order{}, "id = ?", order.ID).Error; err != nil {
			return fmt.Errorf("delete order %d: %w", order.ID, err)
		}
		return nil
	})
}

var Module = fx.Module("ordering.repository",
	fx.Provide(New),
)
