// Package cdr turns finalized charges into charging data records and
// dispatches them to the settlement collaborator.
package cdr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/storewise/charging/internal/clock"
	"github.com/storewise/charging/internal/docstore"
	"github.com/storewise/charging/internal/settlement"
	"github.com/storewise/charging/internal/telemetry"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record transaction types.
const (
	TypeCharge = "C"
	TypeRefund = "R"
)

// Record is one charge line to be turned into a CDR. The generator mints
// the correlation number and timestamp.
type Record struct {
	Provider     string
	Customer     string
	ProductClass string
	OfferingID   string
	Description  string
	Amount       string
	DutyFree     string
	Currency     string
}

// Generator numbers CDRs from per-provider counters and ships them to the
// settlement collaborator. Dispatch happens asynchronously so a slow or
// unreachable collaborator never blocks charge finalization.
type Generator struct {
	log     *zap.Logger
	db      *gorm.DB
	store   *docstore.Store
	client  settlement.Client
	clock   clock.Clock
	metrics *telemetry.Metrics

	wg sync.WaitGroup
}

type GeneratorParam struct {
	fx.In

	Log     *zap.Logger
	DB      *gorm.DB
	Store   *docstore.Store
	Client  settlement.Client
	Clock   clock.Clock
	Metrics *telemetry.Metrics
}

func NewGenerator(p GeneratorParam) *Generator {
	return &Generator{
		log:     p.Log.Named("cdr.generator"),
		db:      p.DB,
		store:   p.Store,
		client:  p.Client,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

func correlationKey(provider string) string {
	return "cdr:correlation:" + provider
}

// Generate numbers the records and dispatches them as a CDR batch.
// Numbering is synchronous so correlation order matches charge order, the
// actual POST runs in the background.
func (g *Generator) Generate(ctx context.Context, records []Record, transactionType string) error {
	if len(records) == 0 {
		return nil
	}

	counts := map[string]int64{}
	for _, record := range records {
		counts[record.Provider]++
	}
	next := map[string]int64{}
	for provider, n := range counts {
		start, err := g.store.Reserve(ctx, correlationKey(provider), n)
		if err != nil {
			return fmt.Errorf("reserve correlation range for %s: %w", provider, err)
		}
		next[provider] = start
	}

	timestamp := g.clock.Now().UTC().Format(time.RFC3339)
	batch := make([]settlement.CDR, 0, len(records))
	for _, record := range records {
		batch = append(batch, settlement.CDR{
			Provider:          record.Provider,
			Customer:          record.Customer,
			ProductClass:      record.ProductClass,
			CorrelationNumber: next[record.Provider],
			OfferingID:        record.OfferingID,
			Description:       record.Description,
			Type:              transactionType,
			Amount:            record.Amount,
			DutyFree:          record.DutyFree,
			Currency:          record.Currency,
			Timestamp:         timestamp,
		})
		next[record.Provider]++
	}

	g.wg.Add(1)
	go g.dispatch(batch, counts)
	return nil
}

// RefundCDRs dispatches compensating records for charges that were
// reported to settlement but could not be kept.
func (g *Generator) RefundCDRs(ctx context.Context, records []Record) error {
	return g.Generate(ctx, records, TypeRefund)
}

// Wait blocks until all in-flight dispatches finish.
func (g *Generator) Wait() {
	g.wg.Wait()
}

func (g *Generator) dispatch(batch []settlement.CDR, counts map[string]int64) {
	defer g.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := g.client.PostCDRs(ctx, batch); err != nil {
		g.log.Warn("cdr dispatch failed, queueing for resend", zap.Int("cdrs", len(batch)), zap.Error(err))
		g.metrics.CDRDispatches.WithLabelValues("failed").Inc()
		if queueErr := g.queueFailed(ctx, batch); queueErr != nil {
			g.log.Error("failed cdr batch lost", zap.Error(queueErr))
		}
		// The queued records keep the numbers they were minted with, so
		// return the reservation to the counters.
		for provider, n := range counts {
			if rbErr := g.store.Rollback(ctx, correlationKey(provider), n); rbErr != nil {
				g.log.Error("correlation rollback failed", zap.String("provider", provider), zap.Error(rbErr))
			}
		}
		return
	}
	g.metrics.CDRDispatches.WithLabelValues("ok").Inc()
}

func (g *Generator) queueFailed(ctx context.Context, batch []settlement.CDR) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var platform PlatformContext
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&PlatformContext{ID: platformContextID}).Error; err != nil {
			return err
		}
		if err := tx.First(&platform, platformContextID).Error; err != nil {
			return err
		}
		platform.FailedCDRs = append(platform.FailedCDRs, batch...)
		return tx.Save(&platform).Error
	})
}

// ResendFailed replays every queued CDR batch. Records keep the
// correlation numbers they were minted with.
func (g *Generator) ResendFailed(ctx context.Context) error {
	var platform PlatformContext
	if err := g.db.WithContext(ctx).First(&platform, platformContextID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if len(platform.FailedCDRs) == 0 {
		return nil
	}

	if err := g.client.PostCDRs(ctx, platform.FailedCDRs); err != nil {
		g.metrics.CDRDispatches.WithLabelValues("failed").Inc()
		return fmt.Errorf("resend %d cdrs: %w", len(platform.FailedCDRs), err)
	}
	g.metrics.CDRDispatches.WithLabelValues("resent").Inc()
	g.log.Info("resent failed cdrs", zap.Int("cdrs", len(platform.FailedCDRs)))

	platform.FailedCDRs = nil
	return g.db.WithContext(ctx).Save(&platform).Error
}

var Module = fx.Module("cdr",
	fx.Provide(NewGenerator),
)
