package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"edupay/internal/domain"
	"edupay/internal/events"
	"edupay/internal/models"
	"edupay/internal/repository"
)

// StalenessSweeper cancels transactions left pending past the timeout. It goes through the
// same guarded transition as callbacks, so a payment confirmed mid-sweep wins.
type StalenessSweeper struct {
	txRepo  *repository.TransactionRepository
	timeout time.Duration
	events  events.Publisher
	feed    StatusFeed
	now     func() time.Time
}

func NewStalenessSweeper(txRepo *repository.TransactionRepository, timeout time.Duration, publisher events.Publisher, feed StatusFeed) *StalenessSweeper {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	if feed == nil {
		feed = noopFeed{}
	}
	return &StalenessSweeper{txRepo: txRepo, timeout: timeout, events: publisher, feed: feed, now: time.Now}
}

// Sweep cancels every stale pending transaction and returns how many it cancelled.
func (s *StalenessSweeper) Sweep(ctx context.Context) (int, error) {
	list, err := s.txRepo.ListPending(ctx, s.now().Add(-s.timeout))
	if err != nil {
		return 0, err
	}
	return s.cancelAll(ctx, list), nil
}

// SweepUser is the per-user pass run when a user reads their payment history.
func (s *StalenessSweeper) SweepUser(ctx context.Context, userID uint) (int, error) {
	list, err := s.txRepo.ListPendingForUser(ctx, userID, s.now().Add(-s.timeout))
	if err != nil {
		return 0, err
	}
	return s.cancelAll(ctx, list), nil
}

func (s *StalenessSweeper) cancelAll(ctx context.Context, list []models.Transaction) int {
	n := 0
	note := fmt.Sprintf("automatically cancelled: no payment confirmation within %s", s.timeout)
	for i := range list {
		t := &list[i]
		updated, err := s.txRepo.Apply(ctx, t.ID, repository.Transition{
			From:    domain.TxStatusPending,
			To:      domain.TxStatusCancelled,
			Notes:   note,
			Message: "expired by staleness sweep",
		})
		if errors.Is(err, repository.ErrGuardFailed) {
			continue
		}
		if err != nil {
			log.Printf("[Sweeper] cancel txn=%s: %v", t.Code, err)
			continue
		}
		n++
		s.events.Publish(events.TopicTransactionFailed, updated.Code, transactionEvent(updated, note, s.now()))
		s.feed.PublishStatus(updated.UserID, StatusEvent{
			Type: "transaction_status", TransactionID: updated.ID, Code: updated.Code,
			Status: updated.Status, Reason: "expired", At: s.now(),
		})
	}
	if n > 0 {
		log.Printf("[Sweeper] cancelled %d stale transaction(s)", n)
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *StalenessSweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("[Sweeper] started, interval=%s timeout=%s", interval, s.timeout)
	for {
		select {
		case <-ctx.Done():
			log.Println("[Sweeper] stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Sweeper] sweep failed: %v", err)
			}
		}
	}
}

func transactionEvent(t *models.Transaction, reason string, at time.Time) events.TransactionEvent {
	return events.TransactionEvent{
		TransactionID: t.ID,
		Code:          t.Code,
		UserID:        t.UserID,
		CourseID:      t.CourseID,
		Amount:        t.Amount,
		Currency:      t.Currency,
		Method:        t.Method,
		Status:        t.Status,
		Reason:        reason,
		OccurredAt:    at,
	}
}
