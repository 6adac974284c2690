package organization

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var ErrOrganizationNotFound = errors.New("organization not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindByID(ctx context.Context, id snowflake.ID) (*Organization, error) {
	var org Organization
	err := r.db.WithContext(ctx).First(&org, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrganizationNotFound
		}
		return nil, err
	}
	return &org, nil
}

func (r *Repository) FindByName(ctx context.Context, name string) (*Organization, error) {
	var org Organization
	err := r.db.WithContext(ctx).First(&org, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrganizationNotFound
		}
		return nil, err
	}
	return &org, nil
}

func (r *Repository) Save(ctx context.Context, org *Organization) error {
	return r.db.WithContext(ctx).Save(org).Error
}

var Module = fx.Module("organization",
	fx.Provide(NewRepository),
)
