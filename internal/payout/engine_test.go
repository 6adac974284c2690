package payout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/storewise/charging/internal/config"
	"github.com/storewise/charging/internal/docstore"
	"github.com/storewise/charging/internal/notify"
	"github.com/storewise/charging/internal/ordering/domain"
	"github.com/storewise/charging/internal/organization"
	"github.com/storewise/charging/internal/payment"
	"github.com/storewise/charging/internal/settlement"
	"github.com/storewise/charging/internal/telemetry"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// scriptedGateway creates batches that report PROCESSING once and then
// SUCCESS, with per-receiver outcomes scripted through failures.
type scriptedGateway struct {
	mu          sync.Mutex
	seq         int
	batches     map[string]payment.Batch
	polls       map[string]int
	submitted   [][]payment.PayoutItem
	denyBatches bool
	// failures maps receiver email to the item status it should report.
	failures map[string]string
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		batches:  map[string]payment.Batch{},
		polls:    map[string]int{},
		failures: map[string]string{},
	}
}

func (g *scriptedGateway) StartRedirect(context.Context, *domain.Order, []domain.Transaction) (string, error) {
	return "", nil
}

func (g *scriptedGateway) Execute(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (g *scriptedGateway) Refund(context.Context, string) error { return nil }

func (g *scriptedGateway) BatchPayout(_ context.Context, items []payment.PayoutItem) (payment.Batch, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.submitted = append(g.submitted, items)

	batch := payment.Batch{
		BatchID: fmt.Sprintf("batch-%d", g.seq),
		Status:  payment.BatchPending,
	}
	for _, item := range items {
		batchItem := payment.BatchItem{
			Receiver:          item.Receiver,
			SenderItemID:      item.SenderItemID,
			TransactionStatus: "SUCCESS",
			ItemID:            "payout-item-" + item.SenderItemID,
		}
		if status, ok := g.failures[item.Receiver]; ok {
			batchItem.TransactionStatus = status
			batchItem.ErrorName = "RECEIVER_UNREGISTERED"
			batchItem.ErrorMessage = "receiver cannot accept payments"
		}
		batch.Items = append(batch.Items, batchItem)
	}
	g.batches[batch.BatchID] = batch
	return batch, true, nil
}

func (g *scriptedGateway) BatchStatus(_ context.Context, batchID string) (payment.Batch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	batch := g.batches[batchID]
	g.polls[batchID]++
	if g.polls[batchID] == 1 {
		pending := batch
		pending.Status = payment.BatchProcessing
		pending.Items = nil
		return pending, nil
	}
	if g.denyBatches {
		batch.Status = payment.BatchDenied
		batch.Items = nil
		return batch, nil
	}
	batch.Status = payment.BatchSuccess
	return batch, nil
}

func (g *scriptedGateway) setFailure(receiver, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if status == "" {
		delete(g.failures, receiver)
		return
	}
	g.failures[receiver] = status
}

type fakeSettlement struct {
	mu      sync.Mutex
	reports []settlement.Report
	paid    []int64
}

func (s *fakeSettlement) PostCDRs(context.Context, []settlement.CDR) error { return nil }

func (s *fakeSettlement) UnpaidReports(context.Context) ([]settlement.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unpaid []settlement.Report
	for _, report := range s.reports {
		if !report.Paid {
			unpaid = append(unpaid, report)
		}
	}
	return unpaid, nil
}

func (s *fakeSettlement) MarkReportPaid(_ context.Context, reportID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paid = append(s.paid, reportID)
	for i := range s.reports {
		if s.reports[i].ID == reportID {
			s.reports[i].Paid = true
		}
	}
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	issues []notify.PayoutIssue
}

func (n *recordingNotifier) OrderCharged(context.Context, string, string, string) error { return nil }
func (n *recordingNotifier) OrderFailed(context.Context, string, string, string) error { return nil }

func (n *recordingNotifier) PaymentRequired(context.Context, string, string, string, string) error {
	return nil
}

func (n *recordingNotifier) PayoutError(_ context.Context, _ string, issues []notify.PayoutIssue) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.issues = append(n.issues, issues...)
	return nil
}

type payoutFixture struct {
	engine     *Engine
	db         *gorm.DB
	gateway    *scriptedGateway
	settlement *fakeSettlement
	notifier   *recordingNotifier
	store      *docstore.Store
}

func newPayoutFixture(t *testing.T) *payoutFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&organization.Organization{}, &docstore.DocLock{}, &docstore.DocCounter{},
		&ReportsPayout{}, &ReportSemiPaid{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	f := &payoutFixture{
		db:         db,
		gateway:    newScriptedGateway(),
		settlement: &fakeSettlement{},
		notifier:   &recordingNotifier{},
		store:      docstore.New(db),
	}

	orgs := organization.NewRepository(db)
	for _, name := range []string{"acme", "partner-a", "partner-b"} {
		require.NoError(t, orgs.Save(context.Background(), &organization.Organization{
			ID:    node.Generate(),
			Name:  name,
			Email: name + "@pay.test",
		}))
	}

	f.engine = NewEngine(EngineParam{
		Log:        zaptest.NewLogger(t),
		DB:         db,
		Store:      f.store,
		Settlement: f.settlement,
		Orgs:       orgs,
		Gateway:    f.gateway,
		Notifier:   f.notifier,
		Metrics:    telemetry.New(prometheus.NewRegistry()),
		Node:       node,
		Config:     config.Config{PayoutPollInterval: time.Millisecond},
	})
	return f
}

func awaitWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	require.NotNil(t, w)
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not finish")
	}
}

func report(id int64) settlement.Report {
	return settlement.Report{
		ID:              id,
		Currency:        "EUR",
		ProductClass:    "one time",
		OwnerProviderID: "acme",
		OwnerValue:      "70.00",
		Stakeholders: []settlement.Stakeholder{
			{StakeholderID: "partner-a", ModelValue: "20.00"},
			{StakeholderID: "partner-b", ModelValue: "10.00"},
		},
	}
}

func TestProcessUnpaidPaysEveryRecipient(t *testing.T) {
	f := newPayoutFixture(t)
	f.settlement.reports = []settlement.Report{report(77)}

	watcher, err := f.engine.ProcessUnpaid(context.Background())
	require.NoError(t, err)
	awaitWatcher(t, watcher)

	require.Len(t, f.gateway.submitted, 1)
	items := f.gateway.submitted[0]
	require.Len(t, items, 3)
	for _, item := range items {
		assert.True(t, strings.HasPrefix(item.SenderItemID, "77_"), item.SenderItemID)
		assert.Equal(t, "EUR", item.Currency)
	}

	assert.Equal(t, []int64{77}, f.settlement.paid)

	// The semipaid ledger is dropped once the report is fully paid.
	var count int64
	require.NoError(t, f.db.Model(&ReportSemiPaid{}).Count(&count).Error)
	assert.Zero(t, count)

	var batchRecord ReportsPayout
	require.NoError(t, f.db.First(&batchRecord).Error)
	assert.Equal(t, payment.BatchSuccess, batchRecord.Status)
}

func TestPartialFailureConvergesWithoutDoublePay(t *testing.T) {
	f := newPayoutFixture(t)
	f.settlement.reports = []settlement.Report{report(88)}
	f.gateway.setFailure("partner-b@pay.test", "DENIED")

	watcher, err := f.engine.ProcessUnpaid(context.Background())
	require.NoError(t, err)
	awaitWatcher(t, watcher)

	// Two succeeded, one failed: the report stays unpaid.
	assert.Empty(t, f.settlement.paid)

	var semipaid ReportSemiPaid
	require.NoError(t, f.db.Where("report_id = ?", int64(88)).First(&semipaid).Error)
	assert.ElementsMatch(t, []string{"acme@pay.test", "partner-a@pay.test"}, semipaid.Success)
	assert.Equal(t, []string{"partner-b@pay.test"}, semipaid.Failed)
	assert.Equal(t, "RECEIVER_UNREGISTERED", semipaid.Errors["partner-b@pay.test"].Name)

	// The actionable failure produced a notification.
	require.Len(t, f.notifier.issues, 1)
	assert.Equal(t, "partner-b@pay.test", f.notifier.issues[0].Receiver)

	// Second run retries only the failed recipient.
	f.gateway.setFailure("partner-b@pay.test", "")
	watcher, err = f.engine.ProcessUnpaid(context.Background())
	require.NoError(t, err)
	awaitWatcher(t, watcher)

	require.Len(t, f.gateway.submitted, 2)
	retry := f.gateway.submitted[1]
	require.Len(t, retry, 1)
	assert.Equal(t, "partner-b@pay.test", retry[0].Receiver)

	assert.Equal(t, []int64{88}, f.settlement.paid)
	var count int64
	require.NoError(t, f.db.Model(&ReportSemiPaid{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDeniedBatchIsTerminal(t *testing.T) {
	f := newPayoutFixture(t)
	f.settlement.reports = []settlement.Report{report(99)}
	f.gateway.denyBatches = true

	watcher, err := f.engine.ProcessUnpaid(context.Background())
	require.NoError(t, err)
	awaitWatcher(t, watcher)

	assert.Empty(t, f.settlement.paid)
	var batchRecord ReportsPayout
	require.NoError(t, f.db.First(&batchRecord).Error)
	assert.Equal(t, payment.BatchDenied, batchRecord.Status)
}

func TestProcessUnpaidNoReports(t *testing.T) {
	f := newPayoutFixture(t)

	watcher, err := f.engine.ProcessUnpaid(context.Background())
	require.NoError(t, err)
	assert.Nil(t, watcher)
}

func TestProcessUnpaidRespectsRunLock(t *testing.T) {
	f := newPayoutFixture(t)
	f.settlement.reports = []settlement.Report{report(11)}

	ctx := context.Background()
	acquired, err := f.store.TryAcquire(ctx, runLockKey)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = f.engine.ProcessUnpaid(ctx)
	assert.ErrorIs(t, err, ErrPayoutInProgress)

	require.NoError(t, f.store.Release(ctx, runLockKey))
	watcher, err := f.engine.ProcessUnpaid(ctx)
	require.NoError(t, err)
	awaitWatcher(t, watcher)
}

func TestSequenceNumbersAreMonotonic(t *testing.T) {
	f := newPayoutFixture(t)
	f.settlement.reports = []settlement.Report{report(1), report(2)}

	watcher, err := f.engine.ProcessUnpaid(context.Background())
	require.NoError(t, err)
	awaitWatcher(t, watcher)

	seen := map[string]struct{}{}
	for _, items := range f.gateway.submitted {
		for _, item := range items {
			_, dup := seen[item.SenderItemID]
			assert.False(t, dup, "duplicate sender item id %s", item.SenderItemID)
			seen[item.SenderItemID] = struct{}{}
		}
	}
	assert.Len(t, seen, 6)
}
