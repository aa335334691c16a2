package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
	"github.com/JakeFAU/progress-pubsub/internal/store"
)

// StoreSink persists progress runs via a store.ProgressRepository. A run
// starts with the first event of a publisher and again whenever the publisher
// restarts its counter: a new Generation, a different Total, or Current moving
// backwards. It succeeds the first time Current reaches Total, fails on a
// published error, and is abandoned if the publisher closes or restarts before
// finishing.
//
// As a BatchSink it collapses counter updates so each run is written once
// per batch.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	id         uuid.UUID
	current    uint64
	total      uint64
	generation uint64
	finished   bool
}

// restarts reports whether p belongs to a new run rather than continuing r.
func (r *runState) restarts(p messaging.ProgressEvent) bool {
	return r == nil ||
		p.Generation != r.generation ||
		p.Total != r.total ||
		p.Current < r.current
}

type progressDelta struct {
	current uint64
	total   uint64
	at      time.Time
}

type finishOp struct {
	id     uuid.UUID
	at     time.Time
	status store.RunStatus
	errMsg *string
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger, runs: make(map[string]*runState)}
}

// ID implements messaging.Subscriber.
func (s *StoreSink) ID() string { return "store" }

// Receive persists a single event.
func (s *StoreSink) Receive(ctx context.Context, evt Event) error {
	return s.Consume(ctx, []Event{evt})
}

// ReceiveError records producer failures against the active run.
func (s *StoreSink) ReceiveError(ctx context.Context, evt Event) error {
	return s.Consume(ctx, []Event{evt})
}

// Consume applies a batch in order. Repository errors are returned verbatim
// after wrapping.
func (s *StoreSink) Consume(ctx context.Context, batch []Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[uuid.UUID]*progressDelta)
	var order []uuid.UUID
	var finishes []finishOp

	for _, evt := range batch {
		key := sourceKey(evt)
		switch evt.Type() {
		case messaging.EventPublish:
			p, _ := evt.Data()
			run := s.runs[key]
			if run.restarts(p) {
				if run != nil && !run.finished {
					finishes = append(finishes, finishOp{id: run.id, at: eventTime(evt), status: store.RunAbandoned})
				}
				run = &runState{id: evt.ID(), generation: p.Generation}
				s.runs[key] = run
				if err := s.repo.StartRun(ctx, store.Run{
					ID:        run.id,
					Publisher: evt.SourceName(),
					Current:   p.Current,
					Total:     p.Total,
					StartedAt: evt.CreatedAt(),
				}); err != nil {
					return fmt.Errorf("start run: %w", err)
				}
			}
			run.current, run.total = p.Current, p.Total
			delta, ok := latest[run.id]
			if !ok {
				delta = &progressDelta{}
				latest[run.id] = delta
				order = append(order, run.id)
			}
			delta.current, delta.total, delta.at = p.Current, p.Total, eventTime(evt)
			if !run.finished && p.Done() {
				run.finished = true
				finishes = append(finishes, finishOp{id: run.id, at: eventTime(evt), status: store.RunSuccess})
			}
		case messaging.EventError:
			run := s.runs[key]
			var delivery *messaging.SubscriberDeliveryError
			if errors.As(evt.Err(), &delivery) {
				// another subscriber failed; the run itself is fine
				s.logger.Debug("ignoring redelivered subscriber failure", zap.String("subscriber", delivery.Subscriber))
				continue
			}
			if run == nil || run.finished {
				continue
			}
			run.finished = true
			msg := evt.Err().Error()
			finishes = append(finishes, finishOp{id: run.id, at: eventTime(evt), status: store.RunError, errMsg: &msg})
		case messaging.EventClosed:
			run := s.runs[key]
			delete(s.runs, key)
			if run == nil || run.finished {
				continue
			}
			finishes = append(finishes, finishOp{id: run.id, at: eventTime(evt), status: store.RunAbandoned})
		}
	}

	for _, id := range order {
		delta := latest[id]
		if err := s.repo.RecordProgress(ctx, id, delta.current, delta.total, delta.at); err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
	}
	for _, f := range finishes {
		if err := s.repo.FinishRun(ctx, f.id, f.at, f.status, f.errMsg); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
	}
	return nil
}

// Close implements BatchSink; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
