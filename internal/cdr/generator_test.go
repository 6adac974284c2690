package cdr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/storewise/charging/internal/clock"
	"github.com/storewise/charging/internal/docstore"
	"github.com/storewise/charging/internal/settlement"
	"github.com/storewise/charging/internal/telemetry"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fakeSettlementClient struct {
	mu      sync.Mutex
	batches [][]settlement.CDR
	fail    bool
}

func (c *fakeSettlementClient) PostCDRs(_ context.Context, batch []settlement.CDR) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("settlement unreachable")
	}
	c.batches = append(c.batches, batch)
	return nil
}

func (c *fakeSettlementClient) UnpaidReports(context.Context) ([]settlement.Report, error) {
	return nil, nil
}

func (c *fakeSettlementClient) MarkReportPaid(context.Context, int64) error {
	return nil
}

func (c *fakeSettlementClient) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func (c *fakeSettlementClient) received() [][]settlement.CDR {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

func newGenerator(t *testing.T) (*Generator, *fakeSettlementClient, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&docstore.DocLock{}, &docstore.DocCounter{}, &PlatformContext{}))

	client := &fakeSettlementClient{}
	gen := NewGenerator(GeneratorParam{
		Log:     zaptest.NewLogger(t),
		DB:      db,
		Store:   docstore.New(db),
		Client:  client,
		Clock:   clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)),
		Metrics: telemetry.New(prometheus.NewRegistry()),
	})
	return gen, client, db
}

func record(provider, customer string) Record {
	return Record{
		Provider:     provider,
		Customer:     customer,
		ProductClass: "one time",
		OfferingID:   "offering-1",
		Description:  "acquisition of offering-1",
		Amount:       "10.00",
		DutyFree:     "8.26",
		Currency:     "EUR",
	}
}

func TestGenerateNumbersPerProvider(t *testing.T) {
	gen, client, _ := newGenerator(t)
	ctx := context.Background()

	require.NoError(t, gen.Generate(ctx, []Record{
		record("org-a", "alice"),
		record("org-b", "alice"),
		record("org-a", "bob"),
	}, TypeCharge))
	gen.Wait()

	batches := client.received()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)

	perProvider := map[string][]int64{}
	for _, c := range batches[0] {
		assert.Equal(t, TypeCharge, c.Type)
		assert.Equal(t, "2026-03-14T10:00:00Z", c.Timestamp)
		perProvider[c.Provider] = append(perProvider[c.Provider], c.CorrelationNumber)
	}
	assert.Equal(t, []int64{0, 1}, perProvider["org-a"])
	assert.Equal(t, []int64{0}, perProvider["org-b"])

	// The next batch continues where the last one stopped.
	require.NoError(t, gen.Generate(ctx, []Record{record("org-a", "carol")}, TypeCharge))
	gen.Wait()

	batches = client.received()
	require.Len(t, batches, 2)
	assert.Equal(t, int64(2), batches[1][0].CorrelationNumber)
}

func TestDispatchFailureQueuesForResend(t *testing.T) {
	gen, client, db := newGenerator(t)
	ctx := context.Background()

	client.setFail(true)
	require.NoError(t, gen.Generate(ctx, []Record{record("org-a", "alice")}, TypeCharge))
	gen.Wait()

	var platform PlatformContext
	require.NoError(t, db.First(&platform, platformContextID).Error)
	require.Len(t, platform.FailedCDRs, 1)
	assert.Equal(t, int64(0), platform.FailedCDRs[0].CorrelationNumber)

	// The reservation was returned, so the next mint starts over.
	start, err := docstore.New(db).Reserve(context.Background(), correlationKey("org-a"), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	require.NoError(t, docstore.New(db).Rollback(context.Background(), correlationKey("org-a"), 1))

	client.setFail(false)
	require.NoError(t, gen.ResendFailed(ctx))

	batches := client.received()
	require.Len(t, batches, 1)
	assert.Equal(t, "org-a", batches[0][0].Provider)

	// Queue is drained after a successful resend.
	require.NoError(t, db.First(&platform, platformContextID).Error)
	assert.Empty(t, platform.FailedCDRs)
	require.NoError(t, gen.ResendFailed(ctx))
	require.Len(t, client.received(), 1)
}

func TestRefundRecordsAreMarked(t *testing.T) {
	gen, client, _ := newGenerator(t)

	require.NoError(t, gen.RefundCDRs(context.Background(), []Record{record("org-a", "alice")}))
	gen.Wait()

	batches := client.received()
	require.Len(t, batches, 1)
	assert.Equal(t, TypeRefund, batches[0][0].Type)
}
