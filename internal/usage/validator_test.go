package usage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/storewise/charging/internal/docstore"
	"github.com/storewise/charging/internal/ordering/domain"
	orderrepo "github.com/storewise/charging/internal/ordering/repository"
	"github.com/storewise/charging/internal/organization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fakeUsageClient struct {
	created []UsageDocument
	rated   []RateUsageRequest
	fail    bool
}

func (f *fakeUsageClient) CreateUsage(ctx context.Context, doc UsageDocument) (UsageDocument, error) {
	if f.fail {
		return UsageDocument{}, fmt.Errorf("usage API unavailable")
	}
	doc.ID = fmt.Sprintf("usage-%d", len(f.created)+1)
	f.created = append(f.created, doc)
	return doc, nil
}

func (f *fakeUsageClient) GetCustomerUsage(ctx context.Context, customer, productID, state string) ([]UsageDocument, error) {
	return nil, nil
}

func (f *fakeUsageClient) RateUsage(ctx context.Context, req RateUsageRequest) error {
	f.rated = append(f.rated, req)
	return nil
}

func (f *fakeUsageClient) UpdateUsageState(ctx context.Context, usageID, state string) error {
	return nil
}

func setupValidator(t *testing.T) (*Validator, *orderrepo.Repository, *domain.Order, *fakeUsageClient) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Order{}, &domain.Contract{},
		&organization.Organization{},
		&docstore.DocLock{}, &docstore.DocCounter{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	orders := orderrepo.New(db)
	orgs := organization.NewRepository(db)
	client := &fakeUsageClient{}

	customer := &organization.Organization{
		ID:     node.Generate(),
		Name:   "customer-org",
		Email:  "billing@customer.example",
		Actors: []string{"alice"},
	}
	require.NoError(t, orgs.Save(context.Background(), customer))

	order := &domain.Order{
		ID:         node.Generate(),
		ExternalID: "order-77",
		Customer:   "alice",
		OwnerOrgID: customer.ID,
		State:      domain.OrderStatePaid,
		Contracts: []domain.Contract{{
			ID:        node.Generate(),
			ItemID:    "item-1",
			ProductID: "product-9",
			PricingModel: domain.PricingModel{
				Currency:  "EUR",
				PayPerUse: []domain.PriceComponent{{Unit: "call", Value: "2.00", DutyFree: "1.50"}},
			},
		}},
	}
	require.NoError(t, orders.Save(context.Background(), order))

	validator := NewValidator(ValidatorParam{
		Log:    zaptest.NewLogger(t),
		Orders: orders,
		Orgs:   orgs,
		Client: client,
	})
	return validator, orders, order, client
}

func rawRecord(correlation int, ts time.Time) RawSDR {
	return RawSDR{
		OrderRef:          "order-77",
		ProductID:         "product-9",
		Customer:          "customer-org",
		Unit:              "call",
		Value:             "10",
		CorrelationNumber: fmt.Sprintf("%d", correlation),
		Timestamp:         ts.Format(time.RFC3339Nano),
	}
}

func TestValidateEnforcesCorrelationOrder(t *testing.T) {
	validator, orders, _, _ := setupValidator(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Out-of-order submission is rejected before anything is staged.
	_, err := validator.Validate(ctx, rawRecord(2, base), "alice")
	assert.ErrorIs(t, err, ErrInvalidCorrelation)

	_, err = validator.Validate(ctx, rawRecord(1, base), "alice")
	require.NoError(t, err)

	_, err = validator.Validate(ctx, rawRecord(2, base.Add(time.Second)), "alice")
	require.NoError(t, err)

	// Duplicate correlation numbers are rejected.
	_, err = validator.Validate(ctx, rawRecord(1, base.Add(2*time.Second)), "alice")
	assert.ErrorIs(t, err, ErrInvalidCorrelation)

	order, err := orders.FindByExternalID(ctx, "order-77")
	require.NoError(t, err)
	require.Len(t, order.Contracts[0].PendingSDRs, 2)
	assert.Equal(t, int64(1), order.Contracts[0].PendingSDRs[0].CorrelationNumber)
	assert.Equal(t, int64(2), order.Contracts[0].PendingSDRs[1].CorrelationNumber)
}

func TestValidateRejectsEarlierTimestamp(t *testing.T) {
	validator, _, _, _ := setupValidator(t)
	ctx := context.Background()
	base := time.Now().UTC()

	_, err := validator.Validate(ctx, rawRecord(1, base), "alice")
	require.NoError(t, err)

	_, err = validator.Validate(ctx, rawRecord(2, base.Add(-time.Hour)), "alice")
	assert.ErrorIs(t, err, ErrStaleTimestamp)
}

func TestValidateRejectsForeignSubmitter(t *testing.T) {
	validator, _, _, _ := setupValidator(t)

	_, err := validator.Validate(context.Background(), rawRecord(1, time.Now().UTC()), "mallory")
	assert.ErrorIs(t, err, ErrNotOrgMember)
}

func TestValidateRejectsUnknownUnit(t *testing.T) {
	validator, _, _, _ := setupValidator(t)
	record := rawRecord(1, time.Now().UTC())
	record.Unit = "gigabyte"

	_, err := validator.Validate(context.Background(), record, "alice")
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

func TestValidateRejectsNonNumericValue(t *testing.T) {
	validator, _, _, _ := setupValidator(t)
	record := rawRecord(1, time.Now().UTC())
	record.Value = "lots"

	_, err := validator.Validate(context.Background(), record, "alice")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestValidateStagesLocallyWhenCollaboratorDown(t *testing.T) {
	validator, orders, _, client := setupValidator(t)
	client.fail = true

	sdr, err := validator.Validate(context.Background(), rawRecord(1, time.Now().UTC()), "alice")
	require.NoError(t, err)
	assert.Empty(t, sdr.UsageID)

	order, err := orders.FindByExternalID(context.Background(), "order-77")
	require.NoError(t, err)
	assert.Len(t, order.Contracts[0].PendingSDRs, 1)
}
