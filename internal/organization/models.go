// Package organization holds the minimal organization aggregate the
// charging pipeline needs: membership for permission checks, the acquired
// offering list stamped at finalization, and the payout recipient email.
package organization

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Organization struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	Name  string       `gorm:"type:text;not null;uniqueIndex"`
	Email string       `gorm:"type:text;not null"`

	// Actors lists the usernames that belong to this organization.
	Actors []string `gorm:"serializer:json"`

	// AcquiredOfferings records offering ids bought by this organization.
	AcquiredOfferings []string `gorm:"serializer:json"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Organization) TableName() string { return "organizations" }

// HasActor reports whether the given username belongs to the organization.
func (o *Organization) HasActor(username string) bool {
	for _, actor := range o.Actors {
		if actor == username {
			return true
		}
	}
	return false
}

// AcquireOffering appends the offering id if not already present.
func (o *Organization) AcquireOffering(offeringID string) {
	for _, id := range o.AcquiredOfferings {
		if id == offeringID {
			return
		}
	}
	o.AcquiredOfferings = append(o.AcquiredOfferings, offeringID)
}
