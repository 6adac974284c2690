// Package domain contains the order aggregate the charging engine
// operates on: orders, their per-item contracts, applied charges and the
// transient pending-payment document.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type OrderState string

const (
	OrderStatePending OrderState = "pending"
	OrderStatePaid    OrderState = "paid"
)

type ChargeConcept string

const (
	ConceptInitial   ChargeConcept = "initial"
	ConceptRecurring ChargeConcept = "recurring"
	ConceptUsage     ChargeConcept = "usage"
)

// Order is the aggregate root. It holds at most one PendingPayment at a
// time and is persisted after every mutation.
type Order struct {
	ID snowflake.ID `gorm:"primaryKey"`
	// ExternalID is the upstream ordering system's reference.
	ExternalID  string       `gorm:"type:text;not null;uniqueIndex"`
	Description string       `gorm:"type:text"`
	Customer    string       `gorm:"type:text;not null"`
	OwnerOrgID  snowflake.ID `gorm:"not null;index"`
	State       OrderState   `gorm:"type:text;not null"`

	TaxAddress     TaxAddress      `gorm:"serializer:json"`
	Contracts      []Contract      `gorm:"foreignKey:OrderID;references:ID"`
	PendingPayment *PendingPayment `gorm:"serializer:json"`

	// Sales collects the gateway sale/transaction identifiers of every
	// executed charge on this order.
	Sales []string `gorm:"serializer:json"`

	// Metadata carries upstream attributes opaque to charging.
	Metadata datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Order) TableName() string { return "orders" }

// ItemContract finds the contract bound to the given order item.
func (o *Order) ItemContract(itemID string) (*Contract, error) {
	for i := range o.Contracts {
		if o.Contracts[i].ItemID == itemID {
			return &o.Contracts[i], nil
		}
	}
	return nil, ErrContractNotFound
}

// ProductContract finds the contract bound to the given inventory product.
func (o *Order) ProductContract(productID string) (*Contract, error) {
	for i := range o.Contracts {
		if o.Contracts[i].ProductID == productID {
			return &o.Contracts[i], nil
		}
	}
	return nil, ErrContractNotFound
}

type TaxAddress struct {
	Street   string `json:"street,omitempty"`
	PostCode string `json:"post_code,omitempty"`
	City     string `json:"city,omitempty"`
	Province string `json:"province,omitempty"`
	Country  string `json:"country,omitempty"`
}

// Contract is the charging-relevant projection of one ordered item. Owned
// by its Order, never shared.
type Contract struct {
	ID      snowflake.ID `gorm:"primaryKey"`
	OrderID snowflake.ID `gorm:"not null;index"`
	ItemID  string       `gorm:"type:text;not null"`
	// ProductID is the inventory product id, assigned once the upstream
	// system activates the item.
	ProductID string `gorm:"type:text"`

	Offering     Offering     `gorm:"serializer:json"`
	PricingModel PricingModel `gorm:"serializer:json"`

	LastCharge *time.Time `gorm:""`
	Charges    []Charge   `gorm:"serializer:json"`

	// CorrelationNumber is the next usage correlation number expected to
	// be charged; it only advances when a usage charge is finalized.
	CorrelationNumber int64      `gorm:"not null;default:0"`
	LastUsage         *time.Time `gorm:""`
	PendingSDRs       []SDR      `gorm:"serializer:json"`
	AppliedSDRs       []SDR      `gorm:"serializer:json"`

	// RevenueClass selects the revenue-share model for this product.
	RevenueClass string `gorm:"type:text"`

	Suspended  bool `gorm:"not null;default:false"`
	Terminated bool `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Contract) TableName() string { return "contracts" }

// LastCorrelation derives the highest accepted correlation number from
// the staged and applied usage records, 0 when none exist.
func (c *Contract) LastCorrelation() int64 {
	last := int64(0)
	for _, sdr := range c.AppliedSDRs {
		if sdr.CorrelationNumber > last {
			last = sdr.CorrelationNumber
		}
	}
	for _, sdr := range c.PendingSDRs {
		if sdr.CorrelationNumber > last {
			last = sdr.CorrelationNumber
		}
	}
	return last
}

// LastSDRTimestamp returns the timestamp of the most recent accepted SDR,
// or the contract's LastUsage when nothing is staged.
func (c *Contract) LastSDRTimestamp() *time.Time {
	var last *time.Time
	if c.LastUsage != nil {
		last = c.LastUsage
	}
	for i := range c.PendingSDRs {
		ts := c.PendingSDRs[i].Timestamp
		if last == nil || ts.After(*last) {
			last = &ts
		}
	}
	return last
}

// Offering is the sellable product snapshot embedded in a contract.
type Offering struct {
	ID          string `json:"id"`
	Href        string `json:"href,omitempty"`
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	IsDigital   bool   `json:"is_digital"`
	OwnerOrg    string `json:"owner_org"`
}

// Charge is an immutable record of a completed monetary event. Append-only.
type Charge struct {
	Date     time.Time     `json:"date"`
	Cost     string        `json:"cost"`
	DutyFree string        `json:"duty_free"`
	Currency string        `json:"currency"`
	Concept  ChargeConcept `json:"concept"`
	Invoice  string        `json:"invoice,omitempty"`
}

// PendingPayment bridges charge computation and external gateway
// confirmation. Deleted once resolved, by success or rollback.
type PendingPayment struct {
	Transactions []Transaction `json:"transactions"`
	Concept      ChargeConcept `json:"concept"`
	// FreeContracts lists item ids finalized alongside the paid ones at
	// zero cost.
	FreeContracts []string `json:"free_contracts,omitempty"`
}

// Transaction is an in-flight computed charge for one contract.
type Transaction struct {
	ItemID      string `json:"item"`
	Description string `json:"description"`
	Currency    string `json:"currency"`
	Price       string `json:"price"`
	DutyFree    string `json:"duty_free"`

	// RelatedModel is the pricing-model subset actually charged.
	RelatedModel PricingModel `json:"related_model"`

	// Unmodified carries subscription components that were not due this
	// cycle and must be merged back on finalization.
	Unmodified []SubscriptionComponent `json:"unmodified,omitempty"`

	// AppliedRecords is the per-component usage breakdown for usage
	// charges, used later to rate the remote usage documents.
	AppliedRecords []AppliedComponent `json:"applied_records,omitempty"`
}

// AppliedComponent records which usage records a pay-per-use component
// rated and the partial amounts it contributed.
type AppliedComponent struct {
	Component PriceComponent `json:"component"`
	Records   []SDR          `json:"records"`
	Price     string         `json:"price"`
	DutyFree  string         `json:"duty_free"`
}

// SDR is a single validated usage event staged for charging.
type SDR struct {
	OrderRef          string    `json:"order_ref"`
	ProductID         string    `json:"product_id"`
	Customer          string    `json:"customer"`
	Unit              string    `json:"unit"`
	Value             string    `json:"value"`
	CorrelationNumber int64     `json:"correlation_number"`
	Timestamp         time.Time `json:"timestamp"`
	// UsageID references the collaborator's usage document for rating.
	UsageID string `json:"usage_id,omitempty"`
}
