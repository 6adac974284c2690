// Package scheduler runs the periodic billing jobs: subscription
// renewals, usage charging, payout runs and CDR resends.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/storewise/charging/internal/cdr"
	"github.com/storewise/charging/internal/charging"
	"github.com/storewise/charging/internal/config"
	"github.com/storewise/charging/internal/notify"
	"github.com/storewise/charging/internal/ordering/domain"
	"github.com/storewise/charging/internal/ordering/repository"
	"github.com/storewise/charging/internal/payout"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Config   config.Config
	Orders   *repository.Repository
	Engine   *charging.Engine
	Payouts  *payout.Engine
	CDRs     *cdr.Generator
	Notifier notify.Notifier
}

// Scheduler owns the cron instance and the job implementations.
type Scheduler struct {
	log      *zap.Logger
	cfg      config.Config
	cron     *cron.Cron
	orders   *repository.Repository
	engine   *charging.Engine
	payouts  *payout.Engine
	cdrs     *cdr.Generator
	notifier notify.Notifier
}

func New(p Params) *Scheduler {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(p.Log.Named("scheduler.cron")))
	return &Scheduler{
		log:      p.Log.Named("scheduler"),
		cfg:      p.Config,
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		orders:   p.Orders,
		engine:   p.Engine,
		payouts:  p.Payouts,
		cdrs:     p.CDRs,
		notifier: p.Notifier,
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"renewals", s.cfg.RenewalCronSpec, s.RunRenewals},
		{"usage_charges", s.cfg.UsageCronSpec, s.RunUsageCharges},
		{"payouts", s.cfg.PayoutCronSpec, s.RunPayouts},
		{"cdr_resend", s.cfg.CDRResendCronSpec, s.RunCDRResend},
	}
	for _, job := range jobs {
		if job.spec == "" {
			s.log.Info("job disabled", zap.String("job", job.name))
			continue
		}
		if _, err := s.cron.AddFunc(job.spec, job.run); err != nil {
			return err
		}
		s.log.Info("job scheduled", zap.String("job", job.name), zap.String("spec", job.spec))
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunRenewals charges every paid order with a subscription component past
// its renovation date and asks the customer to approve the payment.
func (s *Scheduler) RunRenewals() {
	s.runChargeSweep("renewals", domain.ConceptRecurring)
}

// RunUsageCharges charges accumulated usage on every paid order with a
// pay-per-use model.
func (s *Scheduler) RunUsageCharges() {
	s.runChargeSweep("usage_charges", domain.ConceptUsage)
}

func (s *Scheduler) runChargeSweep(job string, concept domain.ChargeConcept) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	orders, err := s.orders.FindPaid(ctx)
	if err != nil {
		s.log.Error("order sweep failed", zap.String("job", job), zap.Error(err))
		return
	}

	var resolved, skipped int
	for _, order := range orders {
		result, err := s.engine.ResolveCharging(ctx, order, concept)
		switch {
		case err == nil:
		case errors.Is(err, charging.ErrNothingToRenew),
			errors.Is(err, charging.ErrNoUsageToCharge),
			errors.Is(err, charging.ErrChargeInProgress):
			skipped++
			continue
		default:
			s.log.Error("charge resolution failed",
				zap.String("job", job),
				zap.String("order", order.ExternalID),
				zap.Error(err),
			)
			continue
		}
		resolved++
		if result.RedirectURL == "" {
			continue
		}
		if err := s.notifier.PaymentRequired(ctx, order.ExternalID, order.Customer, string(concept), result.RedirectURL); err != nil {
			s.log.Warn("payment request notification dropped",
				zap.String("order", order.ExternalID), zap.Error(err))
		}
	}
	s.log.Info("charge sweep finished",
		zap.String("job", job),
		zap.Int("orders", len(orders)),
		zap.Int("resolved", resolved),
		zap.Int("skipped", skipped),
	)
}

// RunPayouts triggers one payout run over all unpaid settlement reports.
func (s *Scheduler) RunPayouts() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	watcher, err := s.payouts.ProcessUnpaid(ctx)
	if err != nil {
		if errors.Is(err, payout.ErrPayoutInProgress) {
			return
		}
		s.log.Error("payout run failed", zap.Error(err))
		return
	}
	if watcher == nil {
		return
	}
	<-watcher.Done()
}

// RunCDRResend replays CDR batches whose original dispatch failed.
func (s *Scheduler) RunCDRResend() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.cdrs.ResendFailed(ctx); err != nil {
		s.log.Error("cdr resend failed", zap.Error(err))
	}
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(register),
)

func register(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return s.Start()
		},
		OnStop: s.Stop,
	})
}
