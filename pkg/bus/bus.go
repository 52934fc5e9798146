// Package bus implements the append-only event bus: single-writer sequencing,
// watermark stamping, JSONL persistence with rotation and fsync cadence, and
// fan-out to bounded subscriber queues.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-project/parley/pkg/event"
)

// degradedRetryEvery is how many memory-only appends pass between attempts
// to write to a failed journal again.
const degradedRetryEvery = 256

// Redactor masks credential-shaped substrings before an event is persisted
// or fanned out. Applied to free-text and tool-byte payloads only.
type Redactor func([]byte) []byte

// Config controls bus memory bounds and journal durability.
type Config struct {
	// Dir is the journal directory. Empty means memory-only (tests, dev);
	// a memory-only bus enforces QueueDepth as a hard append bound.
	Dir string

	// QueueDepth bounds the in-memory replay ring and, on a durable bus,
	// the number of unfsynced events before an append forces a flush.
	QueueDepth int

	// SubscriberQueueDepth bounds each subscriber's queue. A full queue
	// drops the subscriber with ErrLagged.
	SubscriberQueueDepth int

	FsyncEveryEvents  int
	FsyncEvery        time.Duration
	RotateBytes       int64
	SkewTolerance     time.Duration
	PersistHeartbeats bool
}

// Bus is the single-writer event log. All appends serialize through one
// mutex so seq assignment and JSONL writes are totally ordered.
type Bus struct {
	mu sync.Mutex

	cfg     Config
	seq     uint64
	clock   *WatermarkClock
	journal *Journal // nil when memory-only
	redact  Redactor

	// degraded means journal writes are failing; the bus keeps running
	// memory-only and periodically retries.
	degraded      bool
	degradedCount int

	// ring is the bounded in-memory tail used for Tail and fast replay.
	ring []event.Event

	subs   map[string]*Subscription
	notify chan struct{}
	closed bool
}

// Open creates the bus, recovering seq and watermark from any existing
// journal in cfg.Dir. A nil redactor disables redaction.
func Open(cfg Config, redact Redactor) (*Bus, error) {
	b := &Bus{
		cfg:    cfg,
		clock:  NewWatermarkClock(cfg.SkewTolerance),
		redact: redact,
		subs:   make(map[string]*Subscription),
		notify: make(chan struct{}, 1),
	}

	if cfg.Dir != "" {
		lastSeq, lastWM, err := RecoverState(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("journal recovery failed: %w", err)
		}
		b.seq = lastSeq
		b.clock.Restore(lastWM)

		journal, err := OpenJournal(JournalConfig{
			Dir:              cfg.Dir,
			RotateBytes:      cfg.RotateBytes,
			FsyncEveryEvents: cfg.FsyncEveryEvents,
			FsyncEvery:       cfg.FsyncEvery,
		}, lastSeq+1)
		if err != nil {
			return nil, err
		}
		b.journal = journal
		slog.Info("Event bus opened", "dir", cfg.Dir, "recovered_seq", lastSeq)
	} else {
		slog.Info("Event bus opened memory-only")
	}

	return b, nil
}

// Append seals a partial event: assigns seq, stamps event time and watermark,
// redacts, persists, and fans out. Returns the sealed event.
//
// On a durable bus, exceeding QueueDepth unfsynced events forces a
// synchronous flush: the producer blocks on the fsync, which is the
// backpressure path. A memory-only bus returns ErrBackpressure instead.
func (b *Bus) Append(partial event.Event) (event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return event.Event{}, ErrBusClosed
	}
	if b.journal == nil && !b.degraded && len(b.ring) >= b.cfg.QueueDepth {
		return event.Event{}, ErrBackpressure
	}

	sealed := b.sealLocked(partial)

	justDegraded := false
	justRestored := false
	if b.shouldPersist(sealed) {
		if err := b.persistLocked(sealed); err != nil {
			slog.Error("Journal append failed, downgrading to memory-only",
				"seq", sealed.Seq, "error", err)
			b.degraded = true
			justDegraded = true
		}
	} else if b.degraded {
		justRestored = b.retryJournalLocked()
	}

	b.pushLocked(sealed)
	b.fanOutLocked(sealed)

	// Degrade and restore notices are ordinary events sealed after the
	// append that triggered them, so subscribers see everything in seq
	// order.
	if justDegraded {
		notice := b.sealLocked(event.Event{
			Role:    event.RoleSystem,
			Stream:  event.StreamKernel,
			Act:     event.ActError,
			Payload: event.ErrorPayload{Message: "persist_degraded"},
		})
		b.pushLocked(notice)
		b.fanOutLocked(notice)
	}
	if justRestored {
		notice := b.sealLocked(event.Event{
			Role:    event.RoleSystem,
			Stream:  event.StreamKernel,
			Act:     event.ActObserve,
			Payload: event.TextPayload{Text: "persist_restored"},
		})
		if err := b.journal.Append(notice); err != nil {
			b.degraded = true
		}
		b.pushLocked(notice)
		b.fanOutLocked(notice)
	}

	b.wakeLocked()
	return sealed, nil
}

// sealLocked assigns seq and time stamps. Caller holds mu.
func (b *Bus) sealLocked(partial event.Event) event.Event {
	b.seq++
	now := time.Now().UnixMilli()
	partial.Seq = b.seq
	partial.EventTimeMS = now
	partial.WatermarkMS = b.clock.Advance(now)
	partial.Payload = b.redactPayload(partial.Payload)
	return partial
}

// shouldPersist applies the heartbeat persistence flag and degraded state.
func (b *Bus) shouldPersist(e event.Event) bool {
	if b.journal == nil || b.degraded {
		return false
	}
	if e.Act == event.ActHeartbeat && !b.cfg.PersistHeartbeats {
		return false
	}
	return true
}

// persistLocked writes the event and enforces the unfsynced bound.
func (b *Bus) persistLocked(e event.Event) error {
	if err := b.journal.Append(e); err != nil {
		return err
	}
	if b.journal.Pending() >= b.cfg.QueueDepth {
		return b.journal.Sync()
	}
	return nil
}

// retryJournalLocked periodically probes a failed journal. Reports whether
// writes work again; the caller announces recovery after the triggering
// event has been pushed.
func (b *Bus) retryJournalLocked() bool {
	b.degradedCount++
	if b.journal == nil || b.degradedCount%degradedRetryEvery != 0 {
		return false
	}
	if err := b.journal.Sync(); err != nil {
		return false
	}
	b.degraded = false
	slog.Info("Journal writes restored", "seq", b.seq)
	return true
}

// redactPayload applies the redactor to free-text and tool-byte payloads.
func (b *Bus) redactPayload(p event.Payload) event.Payload {
	if b.redact == nil {
		return p
	}
	switch v := p.(type) {
	case event.TextPayload:
		v.Text = string(b.redact([]byte(v.Text)))
		return v
	case event.ErrorPayload:
		v.Message = string(b.redact([]byte(v.Message)))
		return v
	case event.ToolChunkPayload:
		v.Data = b.redact(v.Data)
		return v
	default:
		return p
	}
}

// pushLocked appends to the replay ring, evicting the oldest entries beyond
// QueueDepth.
func (b *Bus) pushLocked(e event.Event) {
	b.ring = append(b.ring, e)
	if len(b.ring) > b.cfg.QueueDepth {
		over := len(b.ring) - b.cfg.QueueDepth
		b.ring = append(b.ring[:0:0], b.ring[over:]...)
	}
}

// fanOutLocked delivers to every live subscriber, dropping laggards.
func (b *Bus) fanOutLocked(e event.Event) {
	for id, sub := range b.subs {
		if !sub.deliver(e) {
			slog.Warn("Dropping lagged subscriber", "subscription_id", id, "seq", e.Seq)
			sub.closeWith(ErrLagged)
			delete(b.subs, id)
		}
	}
}

// wakeLocked nudges the control task. Wakeups coalesce: the control task
// reads state from the bus tail, so a single pending wakeup is lossless.
func (b *Bus) wakeLocked() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// SubscribeOptions selects the replay starting point. Exactly one of FromSeq
// or TailN is honored; FromSeq wins when both are set.
type SubscribeOptions struct {
	FromSeq *uint64
	TailN   int
}

// Subscribe registers a reader. The backlog selected by opts is preloaded
// into the subscription queue before any live append can race in, so the
// suffix from any prior seq is exact.
func (b *Bus) Subscribe(opts SubscribeOptions) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	backlog, err := b.backlogLocked(opts)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id: uuid.New().String(),
		ch: make(chan event.Event, len(backlog)+b.cfg.SubscriberQueueDepth),
	}
	for _, e := range backlog {
		sub.ch <- e
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// backlogLocked resolves the replay prefix for a new subscription.
func (b *Bus) backlogLocked(opts SubscribeOptions) ([]event.Event, error) {
	if opts.FromSeq == nil {
		n := opts.TailN
		if n <= 0 || len(b.ring) == 0 {
			return nil, nil
		}
		if n > len(b.ring) {
			n = len(b.ring)
		}
		return append([]event.Event(nil), b.ring[len(b.ring)-n:]...), nil
	}

	from := *opts.FromSeq
	// Fast path: the requested suffix is still in the ring.
	if len(b.ring) > 0 && from >= b.ring[0].Seq {
		idx := int(from - b.ring[0].Seq)
		if idx >= len(b.ring) {
			return nil, nil
		}
		return append([]event.Event(nil), b.ring[idx:]...), nil
	}

	if b.journal == nil {
		return append([]event.Event(nil), b.ring...), nil
	}

	backlog, err := b.journal.ReadFrom(from)
	if err != nil {
		return nil, fmt.Errorf("journal replay failed: %w", err)
	}
	// Bridge any memory-only suffix the journal is missing (degraded mode).
	last := from
	if len(backlog) > 0 {
		last = backlog[len(backlog)-1].Seq + 1
	}
	for _, e := range b.ring {
		if e.Seq >= last {
			backlog = append(backlog, e)
		}
	}
	return backlog, nil
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.closeWith(nil)
}

// Tail returns a snapshot of the last n events.
func (b *Bus) Tail(n int) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || len(b.ring) == 0 {
		return nil
	}
	if n > len(b.ring) {
		n = len(b.ring)
	}
	return append([]event.Event(nil), b.ring[len(b.ring)-n:]...)
}

// LastSeq returns the seq of the most recent append (0 before the first).
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Watermark returns the current watermark.
func (b *Bus) Watermark() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock.Current()
}

// Degraded reports whether the bus is running memory-only after a
// persistence failure.
func (b *Bus) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

// Notifications returns the control task's wakeup channel. It receives a
// coalesced signal after every append and is closed on bus shutdown.
func (b *Bus) Notifications() <-chan struct{} {
	return b.notify
}

// Close flushes the journal and closes every subscription. Further appends
// fail with ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var err error
	if b.journal != nil && !b.degraded {
		err = b.journal.Close()
	} else if b.journal != nil {
		_ = b.journal.Close()
	}

	for id, sub := range b.subs {
		sub.closeWith(nil)
		delete(b.subs, id)
	}
	close(b.notify)
	return err
}
