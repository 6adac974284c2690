// Package usage validates incoming Service Data Records and talks to the
// external usage collaborator. The validator is the system's idempotence
// guard against double-billing usage: it enforces strict per-contract
// ordering of correlation numbers and timestamps.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/storewise/charging/internal/ordering/domain"
	orderrepo "github.com/storewise/charging/internal/ordering/repository"
	"github.com/storewise/charging/internal/organization"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidValue       = errors.New("the provided value is not a valid number")
	ErrUnknownCustomer    = errors.New("the specified customer organization does not exist")
	ErrNotOrgMember       = errors.New("the submitting user does not belong to the customer organization")
	ErrNoUsagePricing     = errors.New("the pricing model of the offering does not define pay-per-use components")
	ErrInvalidCorrelation = errors.New("invalid correlation number")
	ErrStaleTimestamp     = errors.New("the provided timestamp is earlier than the last record received")
	ErrUnknownUnit        = errors.New("the specified unit is not included in the pricing model")
)

// RawSDR is an unvalidated usage event as received from the outside.
type RawSDR struct {
	OrderRef          string `json:"order_ref"`
	ProductID         string `json:"product_id"`
	Customer          string `json:"customer"`
	Unit              string `json:"unit"`
	Value             string `json:"value"`
	CorrelationNumber string `json:"correlation_number"`
	Timestamp         string `json:"timestamp"`
}

type Validator struct {
	log    *zap.Logger
	orders *orderrepo.Repository
	orgs   *organization.Repository
	client Client
}

type ValidatorParam struct {
	fx.In

	Log    *zap.Logger
	Orders *orderrepo.Repository
	Orgs   *organization.Repository
	Client Client
}

func NewValidator(p ValidatorParam) *Validator {
	return &Validator{
		log:    p.Log.Named("usage.validator"),
		orders: p.Orders,
		orgs:   p.Orgs,
		client: p.Client,
	}
}

// Validate checks the record against the contract's invariants and, on
// success, stages it on the contract, pushes a Guided usage document to
// the collaborator and persists the order. Checks run in a fixed order so
// the first violation wins.
func (v *Validator) Validate(ctx context.Context, raw RawSDR, submitter string) (domain.SDR, error) {
	if _, err := strconv.ParseFloat(raw.Value, 64); err != nil {
		return domain.SDR{}, ErrInvalidValue
	}

	order, err := v.orders.FindByExternalID(ctx, raw.OrderRef)
	if err != nil {
		return domain.SDR{}, err
	}
	contract, err := order.ProductContract(raw.ProductID)
	if err != nil {
		return domain.SDR{}, err
	}

	customer, err := v.orgs.FindByName(ctx, raw.Customer)
	if err != nil {
		if errors.Is(err, organization.ErrOrganizationNotFound) {
			return domain.SDR{}, ErrUnknownCustomer
		}
		return domain.SDR{}, err
	}
	if !customer.HasActor(submitter) {
		return domain.SDR{}, ErrNotOrgMember
	}

	if len(contract.PricingModel.PayPerUse) == 0 {
		return domain.SDR{}, ErrNoUsagePricing
	}

	correlation, err := strconv.ParseInt(raw.CorrelationNumber, 10, 64)
	if err != nil {
		return domain.SDR{}, fmt.Errorf("%w: %q is not a number", ErrInvalidCorrelation, raw.CorrelationNumber)
	}
	expected := contract.LastCorrelation() + 1
	if correlation != expected {
		return domain.SDR{}, fmt.Errorf("%w: expected %d", ErrInvalidCorrelation, expected)
	}

	timestamp, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return domain.SDR{}, err
	}
	if last := contract.LastSDRTimestamp(); last != nil && timestamp.Before(last.Truncate(time.Millisecond)) {
		return domain.SDR{}, ErrStaleTimestamp
	}

	if !unitKnown(contract.PricingModel, raw.Unit) {
		return domain.SDR{}, ErrUnknownUnit
	}

	sdr := domain.SDR{
		OrderRef:          raw.OrderRef,
		ProductID:         raw.ProductID,
		Customer:          raw.Customer,
		Unit:              raw.Unit,
		Value:             raw.Value,
		CorrelationNumber: correlation,
		Timestamp:         timestamp,
	}

	// Forward the record to the usage collaborator; its document id is
	// kept so the charge can rate it later.
	doc, err := v.client.CreateUsage(ctx, UsageDocument{
		Status:            StateGuided,
		Customer:          sdr.Customer,
		ProductID:         sdr.ProductID,
		Unit:              sdr.Unit,
		Value:             sdr.Value,
		CorrelationNumber: sdr.CorrelationNumber,
		Timestamp:         sdr.Timestamp,
	})
	if err != nil {
		v.log.Warn("usage collaborator rejected record, staging locally only",
			zap.String("order", raw.OrderRef), zap.Error(err))
	} else {
		sdr.UsageID = doc.ID
	}

	contract.PendingSDRs = append(contract.PendingSDRs, sdr)
	if err := v.orders.Save(ctx, order); err != nil {
		return domain.SDR{}, err
	}
	return sdr, nil
}

// parseTimestamp accepts RFC 3339 with or without sub-second precision
// and truncates to millisecond precision.
func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC().Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q, must be RFC 3339", raw)
}

func unitKnown(model domain.PricingModel, unit string) bool {
	for _, component := range model.PayPerUse {
		if strings.EqualFold(component.Unit, unit) {
			return true
		}
	}
	return false
}
