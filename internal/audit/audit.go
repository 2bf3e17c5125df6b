// Package audit records the hub's append-only action trail. Entries flow
// through a buffered channel to the configured sinks so callers never block
// on persistence; a full buffer drops entries and counts the loss.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// Sink persists one audit entry. Sinks must tolerate concurrent writers.
type Sink interface {
	Write(ctx context.Context, entry types.AuditEntry) error
}

const queueSize = 1024

// Logger is the audit front end shared by the router, gate and degrader.
type Logger struct {
	log   zerolog.Logger
	sinks []Sink

	ch      chan types.AuditEntry
	dropped atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewLogger starts the audit writer goroutine over the given sinks.
func NewLogger(logger zerolog.Logger, sinks ...Sink) *Logger {
	l := &Logger{
		log:   logger,
		sinks: sinks,
		ch:    make(chan types.AuditEntry, queueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Logger) run() {
	defer close(l.done)
	for {
		select {
		case entry := <-l.ch:
			l.write(entry)
		case <-l.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case entry := <-l.ch:
					l.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(entry types.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sink := range l.sinks {
		if err := sink.Write(ctx, entry); err != nil {
			l.log.Error().Err(err).Str("op", entry.Op).Msg("Audit sink write failed")
		}
	}
}

// Record enqueues an entry, stamping id and timestamp when absent.
func (l *Logger) Record(entry types.AuditEntry) {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	select {
	case l.ch <- entry:
	default:
		n := l.dropped.Add(1)
		if n%100 == 1 {
			l.log.Warn().Int64("dropped_total", n).Msg("Audit queue full, dropping entries")
		}
	}
}

// RecordOp is the handler-side convenience: it derives the result from err
// (nil = success, protocol error = failure, anything else = error).
func (l *Logger) RecordOp(userID, serverID, op string, payload map[string]any, err error, ip string) {
	entry := types.AuditEntry{
		UserID:   userID,
		ServerID: serverID,
		Op:       op,
		Payload:  payload,
		Result:   types.AuditSuccess,
		IP:       ip,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
		if _, ok := protocol.AsError(err); ok {
			entry.Result = types.AuditFailure
		} else {
			entry.Result = types.AuditError
		}
	}
	l.Record(entry)
}

// Dropped reports how many entries were lost to a full queue.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close drains the queue and stops the writer.
func (l *Logger) Close(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppendStore is the slice of the persistent store the audit trail needs.
type AppendStore interface {
	AppendAudit(ctx context.Context, entry types.AuditEntry) error
}

// StoreSink persists entries into the hub's store.
type StoreSink struct {
	store AppendStore
}

func NewStoreSink(store AppendStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Write(ctx context.Context, entry types.AuditEntry) error {
	return s.store.AppendAudit(ctx, entry)
}
