package payout

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/storewise/charging/internal/notify"
	"github.com/storewise/charging/internal/payment"

	"go.uber.org/zap"
)

type watchedBatch struct {
	payoutID  string
	reportIDs []int64
}

// Watcher polls the gateway until every batch of one payout run reaches a
// terminal status, bookkeeping per-recipient results along the way. It is
// an eventual-consistency reconciliation loop: a recipient who already
// succeeded is never paid again, a failed one is retried by the next
// payout run.
type Watcher struct {
	engine     *Engine
	log        *zap.Logger
	batches    []watchedBatch
	recipients map[int64][]string
	interval   time.Duration
	done       chan struct{}
}

func (e *Engine) newWatcher(batches []watchedBatch, recipients map[int64][]string) *Watcher {
	interval := e.interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		engine:     e,
		log:        e.log.Named("watcher"),
		batches:    batches,
		recipients: recipients,
		interval:   interval,
		done:       make(chan struct{}),
	}
}

// Done is closed once every batch reached a terminal state.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Run blocks until all batches are terminal. Started by ProcessUnpaid in
// its own goroutine.
func (w *Watcher) Run() {
	defer close(w.done)

	remaining := w.batches
	for len(remaining) > 0 {
		var keep []watchedBatch
		for _, batch := range remaining {
			if w.checkBatch(batch) {
				keep = append(keep, batch)
			}
		}
		remaining = keep
		if len(remaining) > 0 {
			time.Sleep(w.interval)
		}
	}
}

// checkBatch polls one batch, returns true while it needs watching.
func (w *Watcher) checkBatch(batch watchedBatch) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, err := w.engine.gateway.BatchStatus(ctx, batch.payoutID)
	if err != nil {
		w.log.Error("payout status poll failed, dropping batch",
			zap.String("batch", batch.payoutID), zap.Error(err))
		w.engine.metrics.PayoutBatches.WithLabelValues("poll_failed").Inc()
		return false
	}
	w.updateBatchStatus(ctx, batch.payoutID, status.Status)

	switch status.Status {
	case payment.BatchPending, payment.BatchProcessing:
		return true
	case payment.BatchDenied:
		w.log.Warn("payout batch denied", zap.String("batch", batch.payoutID))
		w.engine.metrics.PayoutBatches.WithLabelValues("denied").Inc()
		return false
	case payment.BatchSuccess:
		w.processItems(ctx, batch.payoutID, status.Items)
		w.checkReports(ctx, batch.reportIDs)
		w.engine.metrics.PayoutBatches.WithLabelValues("success").Inc()
		return false
	default:
		w.log.Warn("payout batch in unexpected state, dropping",
			zap.String("batch", batch.payoutID), zap.String("status", status.Status))
		w.engine.metrics.PayoutBatches.WithLabelValues("unexpected").Inc()
		return false
	}
}

func (w *Watcher) updateBatchStatus(ctx context.Context, payoutID, status string) {
	err := w.engine.db.WithContext(ctx).
		Model(&ReportsPayout{}).
		Where("payout_id = ?", payoutID).
		Update("status", status).Error
	if err != nil {
		w.log.Error("payout status update failed", zap.String("batch", payoutID), zap.Error(err))
	}
}

// processItems applies each line item's outcome to its report's semipaid
// ledger and collects actionable failures for notification.
func (w *Watcher) processItems(ctx context.Context, payoutID string, items []payment.BatchItem) {
	var issues []notify.PayoutIssue

	for _, item := range items {
		reportID, ok := parseSenderItemID(item.SenderItemID)
		if !ok {
			w.log.Warn("unparsable sender item id", zap.String("sender_item_id", item.SenderItemID))
			continue
		}

		semipaid := w.loadOrCreateSemiPaid(ctx, reportID)
		if semipaid == nil {
			continue
		}

		if strings.EqualFold(item.TransactionStatus, "SUCCESS") {
			semipaid.MarkSuccess(item.Receiver)
			w.engine.metrics.PayoutItemResults.WithLabelValues("success").Inc()
		} else {
			semipaid.MarkFailure(item.Receiver, ItemError{Name: item.ErrorName, Message: item.ErrorMessage})
			w.engine.metrics.PayoutItemResults.WithLabelValues("failure").Inc()
			if payment.ItemStatusActionable(item.TransactionStatus) {
				issues = append(issues, notify.PayoutIssue{
					Receiver: item.Receiver,
					ItemID:   item.ItemID,
					Status:   item.TransactionStatus,
					Error:    item.ErrorMessage,
				})
			}
		}

		if err := w.engine.db.WithContext(ctx).Save(semipaid).Error; err != nil {
			w.log.Error("semipaid persist failed", zap.Int64("report", reportID), zap.Error(err))
		}
	}

	if len(issues) > 0 {
		if err := w.engine.notifier.PayoutError(ctx, payoutID, issues); err != nil {
			w.log.Warn("payout failure notification dropped", zap.String("batch", payoutID), zap.Error(err))
		}
	}
}

// checkReports marks a report paid at the settlement collaborator once
// every one of its recipients has succeeded, then drops the local ledger.
func (w *Watcher) checkReports(ctx context.Context, reportIDs []int64) {
	for _, reportID := range reportIDs {
		semipaid := w.engine.loadSemiPaid(ctx, reportID)
		if semipaid == nil {
			continue
		}
		if !allSucceeded(w.recipients[reportID], semipaid) {
			continue
		}

		if err := w.engine.settlement.MarkReportPaid(ctx, reportID); err != nil {
			w.log.Error("report paid notification failed, will retry next run",
				zap.Int64("report", reportID), zap.Error(err))
			continue
		}
		if err := w.engine.db.WithContext(ctx).Delete(semipaid).Error; err != nil {
			w.log.Error("semipaid delete failed", zap.Int64("report", reportID), zap.Error(err))
		}
		w.log.Info("report fully paid", zap.Int64("report", reportID))
	}
}

func (w *Watcher) loadOrCreateSemiPaid(ctx context.Context, reportID int64) *ReportSemiPaid {
	if semipaid := w.engine.loadSemiPaid(ctx, reportID); semipaid != nil {
		return semipaid
	}
	semipaid := &ReportSemiPaid{
		ID:       w.engine.node.Generate(),
		ReportID: reportID,
		Errors:   map[string]ItemError{},
	}
	if err := w.engine.db.WithContext(ctx).Create(semipaid).Error; err != nil {
		w.log.Error("semipaid create failed", zap.Int64("report", reportID), zap.Error(err))
		return nil
	}
	return semipaid
}

func allSucceeded(recipients []string, semipaid *ReportSemiPaid) bool {
	for _, receiver := range recipients {
		if !semipaid.Succeeded(receiver) {
			return false
		}
	}
	return len(recipients) > 0
}

func parseSenderItemID(senderItemID string) (int64, bool) {
	head, _, ok := strings.Cut(senderItemID, "_")
	if !ok {
		return 0, false
	}
	reportID, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, false
	}
	return reportID, true
}
