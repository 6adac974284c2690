package domain

import "time"

// PricingModel is the charging-relevant projection of an offering's price.
// Any combination of the sections may be present; an empty model means the
// item is free.
type PricingModel struct {
	Currency      string                  `json:"currency,omitempty"`
	SinglePayment []PriceComponent        `json:"single_payment,omitempty"`
	Subscription  []SubscriptionComponent `json:"subscription,omitempty"`
	PayPerUse     []PriceComponent        `json:"pay_per_use,omitempty"`
	Alteration    *Alteration             `json:"alteration,omitempty"`
}

// PriceComponent is one priced part of a model. Amounts are decimal
// strings; Value is the taxed amount and DutyFree the amount before tax.
// For pay-per-use components Unit is the usage unit label the component
// rates; for subscriptions it is the renewal period unit.
type PriceComponent struct {
	Label    string `json:"label,omitempty"`
	Value    string `json:"value"`
	DutyFree string `json:"duty_free"`
	TaxRate  string `json:"tax_rate,omitempty"`
	Unit     string `json:"unit,omitempty"`
}

// SubscriptionComponent is a recurring component. RenovationDate is set
// once the initial charge activates the subscription.
type SubscriptionComponent struct {
	PriceComponent
	RenovationDate *time.Time `json:"renovation_date,omitempty"`
}

type AlterationType string

const (
	AlterationFee      AlterationType = "fee"
	AlterationDiscount AlterationType = "discount"
)

type AlterationScope string

const (
	ScopeOneTime   AlterationScope = "one time"
	ScopeRecurring AlterationScope = "recurring"
)

// Alteration is a conditional fee or discount applied on top of the
// computed base price. It carries either a fixed amount or a percentage.
type Alteration struct {
	Type       AlterationType       `json:"type"`
	Scope      AlterationScope      `json:"scope"`
	Percentage string               `json:"percentage,omitempty"`
	Amount     *AlterationAmount    `json:"amount,omitempty"`
	Condition  *AlterationCondition `json:"condition,omitempty"`
}

type AlterationAmount struct {
	Value    string `json:"value"`
	DutyFree string `json:"duty_free"`
}

// AlterationCondition compares the computed base price against a
// threshold. Supported operations: eq, lt, le, gt, ge.
type AlterationCondition struct {
	Op    string `json:"op"`
	Value string `json:"value"`
}

// IsEmpty reports whether the model prices nothing at all.
func (m PricingModel) IsEmpty() bool {
	return len(m.SinglePayment) == 0 && len(m.Subscription) == 0 &&
		len(m.PayPerUse) == 0 && m.Alteration == nil
}

// HasUpfront reports whether an initial charge applies to the model.
func (m PricingModel) HasUpfront() bool {
	return len(m.SinglePayment) > 0 || len(m.Subscription) > 0 || m.Alteration != nil
}

// UsageUnits returns the set of unit labels rated by the model.
func (m PricingModel) UsageUnits() []string {
	units := make([]string, 0, len(m.PayPerUse))
	for _, component := range m.PayPerUse {
		units = append(units, component.Unit)
	}
	return units
}
