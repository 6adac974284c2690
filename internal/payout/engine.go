// Package payout pays accumulated revenue shares out to providers and
// stakeholders in gateway batches, and reconciles partial failures until
// every recipient of a settlement report has been paid.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/storewise/charging/internal/config"
	"github.com/storewise/charging/internal/docstore"
	"github.com/storewise/charging/internal/notify"
	"github.com/storewise/charging/internal/organization"
	"github.com/storewise/charging/internal/payment"
	"github.com/storewise/charging/internal/settlement"
	"github.com/storewise/charging/internal/telemetry"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrPayoutInProgress is returned when another payout run holds the run
// lock.
var ErrPayoutInProgress = errors.New("payout: run already in progress")

const (
	runLockKey  = "payout:run"
	sequenceKey = "payout:sequence"
)

// Engine groups unpaid revenue shares into per-currency gateway batches.
type Engine struct {
	log        *zap.Logger
	db         *gorm.DB
	store      *docstore.Store
	settlement settlement.Client
	orgs       *organization.Repository
	gateway    payment.Client
	notifier   notify.Notifier
	metrics    *telemetry.Metrics
	node       *snowflake.Node
	interval   time.Duration
}

type EngineParam struct {
	fx.In

	Log        *zap.Logger
	DB         *gorm.DB
	Store      *docstore.Store
	Settlement settlement.Client
	Orgs       *organization.Repository
	Gateway    payment.Client
	Notifier   notify.Notifier
	Metrics    *telemetry.Metrics
	Node       *snowflake.Node
	Config     config.Config
}

func NewEngine(p EngineParam) *Engine {
	return &Engine{
		log:        p.Log.Named("payout.engine"),
		db:         p.DB,
		store:      p.Store,
		settlement: p.Settlement,
		orgs:       p.Orgs,
		gateway:    p.Gateway,
		notifier:   p.Notifier,
		metrics:    p.Metrics,
		node:       p.Node,
		interval:   p.Config.PayoutPollInterval,
	}
}

// share is one recipient's slice of one report.
type share struct {
	reportID int64
	receiver string
	value    string
	currency string
}

// ProcessUnpaid fetches the unpaid settlement reports, batches the due
// shares per currency and submits them to the gateway. It returns a
// Watcher covering every batch created in this run; the watcher is
// already running.
func (e *Engine) ProcessUnpaid(ctx context.Context) (*Watcher, error) {
	acquired, err := e.store.TryAcquire(ctx, runLockKey)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrPayoutInProgress
	}
	defer func() {
		if releaseErr := e.store.Release(ctx, runLockKey); releaseErr != nil {
			e.log.Error("payout run lock release failed", zap.Error(releaseErr))
		}
	}()

	reports, err := e.settlement.UnpaidReports(ctx)
	if err != nil {
		return nil, fmt.Errorf("unpaid reports: %w", err)
	}
	if len(reports) == 0 {
		return nil, nil
	}

	recipients := map[int64][]string{}
	var shares []share
	for _, report := range reports {
		semipaid := e.loadSemiPaid(ctx, report.ID)
		for _, s := range e.reportShares(ctx, report) {
			recipients[report.ID] = append(recipients[report.ID], s.receiver)
			if semipaid.Succeeded(s.receiver) {
				// Already paid in an earlier partially-failed batch.
				continue
			}
			shares = append(shares, s)
		}
	}
	if len(shares) == 0 {
		return nil, nil
	}

	byCurrency := map[string][]share{}
	for _, s := range shares {
		byCurrency[s.currency] = append(byCurrency[s.currency], s)
	}

	var watched []watchedBatch
	for currency, currencyShares := range byCurrency {
		items := make([]payment.PayoutItem, 0, len(currencyShares))
		reportSet := map[int64]struct{}{}
		for _, s := range currencyShares {
			sequence, err := e.store.Next(ctx, sequenceKey)
			if err != nil {
				return nil, fmt.Errorf("payout sequence: %w", err)
			}
			items = append(items, payment.PayoutItem{
				Receiver:     s.receiver,
				Value:        s.value,
				Currency:     s.currency,
				SenderItemID: fmt.Sprintf("%d_%d", s.reportID, sequence),
			})
			reportSet[s.reportID] = struct{}{}
		}

		batch, created, err := e.gateway.BatchPayout(ctx, items)
		if err != nil || !created {
			e.metrics.PayoutBatches.WithLabelValues("submit_failed").Inc()
			e.log.Error("payout batch submission failed",
				zap.String("currency", currency),
				zap.Int("items", len(items)),
				zap.Error(err),
			)
			continue
		}

		reportIDs := make([]int64, 0, len(reportSet))
		for id := range reportSet {
			reportIDs = append(reportIDs, id)
		}
		record := ReportsPayout{
			ID:        e.node.Generate(),
			ReportIDs: reportIDs,
			PayoutID:  batch.BatchID,
			Status:    batch.Status,
		}
		if err := e.db.WithContext(ctx).Create(&record).Error; err != nil {
			return nil, fmt.Errorf("persist payout batch %s: %w", batch.BatchID, err)
		}
		watched = append(watched, watchedBatch{payoutID: batch.BatchID, reportIDs: reportIDs})
		e.log.Info("payout batch submitted",
			zap.String("batch", batch.BatchID),
			zap.String("currency", currency),
			zap.Int("items", len(items)),
		)
	}

	if len(watched) == 0 {
		return nil, nil
	}
	watcher := e.newWatcher(watched, recipients)
	go watcher.Run()
	return watcher, nil
}

// reportShares expands a report into recipient shares, resolving each
// provider organization to its payout email. Unresolvable recipients are
// skipped and logged.
func (e *Engine) reportShares(ctx context.Context, report settlement.Report) []share {
	shares := make([]share, 0, 1+len(report.Stakeholders))
	if receiver, ok := e.payoutEmail(ctx, report.OwnerProviderID); ok {
		shares = append(shares, share{
			reportID: report.ID,
			receiver: receiver,
			value:    report.OwnerValue,
			currency: report.Currency,
		})
	}
	for _, stakeholder := range report.Stakeholders {
		receiver, ok := e.payoutEmail(ctx, stakeholder.StakeholderID)
		if !ok {
			continue
		}
		shares = append(shares, share{
			reportID: report.ID,
			receiver: receiver,
			value:    stakeholder.ModelValue,
			currency: report.Currency,
		})
	}
	return shares
}

func (e *Engine) payoutEmail(ctx context.Context, providerName string) (string, bool) {
	org, err := e.orgs.FindByName(ctx, providerName)
	if err != nil {
		e.log.Warn("payout recipient unresolvable", zap.String("provider", providerName), zap.Error(err))
		return "", false
	}
	if org.Email == "" {
		e.log.Warn("payout recipient has no email", zap.String("provider", providerName))
		return "", false
	}
	return org.Email, true
}

func (e *Engine) loadSemiPaid(ctx context.Context, reportID int64) *ReportSemiPaid {
	var semipaid ReportSemiPaid
	err := e.db.WithContext(ctx).Where("report_id = ?", reportID).First(&semipaid).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			e.log.Error("semipaid lookup failed", zap.Int64("report", reportID), zap.Error(err))
		}
		return nil
	}
	return &semipaid
}

var Module = fx.Module("payout",
	fx.Provide(NewEngine),
)
