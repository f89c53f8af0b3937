// Package bus implements per-run event streaming on top of the kv layer.
//
// Every run has an append-only log of JSON events plus a pub/sub channel for
// live delivery. A producer assigns each event a strictly increasing sequence
// number, appends it to the log, then publishes it; subscribers replay the
// log and merge in live events, de-duplicating by sequence number. The log
// carries a TTL and a length cap, so late subscribers within the retention
// window see the full history.
//
// A second pub/sub channel per run carries control messages (stop requests)
// from the gateway to whichever instance owns the run.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/kv"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/models"
)

const (
	// ControlStop requests graceful termination of a run.
	ControlStop = "stop"
	// ControlShutdown asks workers to persist a stopped status and exit.
	ControlShutdown = "shutdown"
)

func logKey(runID string) string     { return "responses:" + runID }
func eventsKey(runID string) string  { return "run:" + runID + ":events" }
func controlKey(runID string) string { return "run:" + runID + ":control" }

// Options configures log retention.
type Options struct {
	// LogTTL is the retention window for a run's event log.
	LogTTL time.Duration

	// LogMaxEntries caps the event log length; older entries are trimmed.
	LogMaxEntries int64
}

// Bus provides event publishing and subscription for runs.
type Bus struct {
	store   kv.Store
	opts    Options
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a Bus. Zero option fields get sensible defaults (24h TTL,
// 10000 entries).
func New(store kv.Store, opts Options, logger *observability.Logger, metrics *observability.Metrics) *Bus {
	if opts.LogTTL <= 0 {
		opts.LogTTL = 24 * time.Hour
	}
	if opts.LogMaxEntries <= 0 {
		opts.LogMaxEntries = 10000
	}
	return &Bus{store: store, opts: opts, logger: logger, metrics: metrics}
}

// Producer publishes events for one run. It is safe for concurrent use; the
// sequence counter serializes publishes.
type Producer struct {
	bus   *Bus
	runID string

	mu  sync.Mutex
	seq uint64
}

// Producer creates an event producer for runID. Sequence numbers are
// 1-based; the counter resumes from the existing log length so a restarted
// producer never reuses numbers.
func (b *Bus) Producer(ctx context.Context, runID string) (*Producer, error) {
	n, err := b.store.LLen(ctx, logKey(runID))
	if err != nil {
		return nil, fmt.Errorf("bus: read log length: %w", err)
	}
	return &Producer{bus: b, runID: runID, seq: uint64(n) + 1}, nil
}

// Publish stamps the event with the next sequence number and the current
// time, appends it to the run log, and fans it out to live subscribers.
func (p *Producer) Publish(ctx context.Context, ev *models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ev.RunID = p.runID
	ev.Seq = p.seq
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}

	key := logKey(p.runID)
	n, err := p.bus.store.RPush(ctx, key, string(data))
	if err != nil {
		return fmt.Errorf("bus: append event: %w", err)
	}
	p.seq++

	if err := p.bus.store.Expire(ctx, key, p.bus.opts.LogTTL); err != nil {
		p.bus.logger.Warn(ctx, "failed to refresh event log ttl", "error", err)
	}
	if n > p.bus.opts.LogMaxEntries {
		if err := p.bus.store.LTrim(ctx, key, -p.bus.opts.LogMaxEntries, -1); err != nil {
			p.bus.logger.Warn(ctx, "failed to trim event log", "error", err)
		}
	}

	if err := p.bus.store.Publish(ctx, eventsKey(p.runID), string(data)); err != nil {
		return fmt.Errorf("bus: publish event: %w", err)
	}
	if p.bus.metrics != nil {
		p.bus.metrics.EventPublished(string(ev.Type))
	}
	return nil
}

// Seq returns the next sequence number the producer will assign.
func (p *Producer) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Subscribe streams events for runID with Seq > afterSeq. The returned
// channel first replays the retained log, then delivers live events, with
// duplicates across the replay/live boundary dropped. The channel closes
// after a terminal status event, on context cancellation, or on a transport
// error.
func (b *Bus) Subscribe(ctx context.Context, runID string, afterSeq uint64) (<-chan *models.Event, error) {
	// Subscribe before replaying so no event falls between the two.
	sub, err := b.store.Subscribe(ctx, eventsKey(runID))
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}

	backlog, err := b.store.LRange(ctx, logKey(runID), 0, -1)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("bus: replay: %w", err)
	}

	out := make(chan *models.Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		last := afterSeq
		emit := func(ev *models.Event) (terminal bool, ok bool) {
			if ev.Seq <= last {
				return false, true
			}
			last = ev.Seq
			select {
			case out <- ev:
			case <-ctx.Done():
				return false, false
			}
			return ev.Terminal(), true
		}

		for _, raw := range backlog {
			ev, err := decodeEvent(raw)
			if err != nil {
				b.logger.Warn(ctx, "skipping undecodable event in replay", "run_id", runID, "error", err)
				continue
			}
			terminal, ok := emit(ev)
			if !ok {
				return
			}
			if terminal {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, open := <-sub.C():
				if !open {
					// The pub/sub layer disconnected us (slow consumer).
					// Closing out lets the client reconnect with from_seq
					// and replay the gap from the log.
					return
				}
				ev, err := decodeEvent(msg.Payload)
				if err != nil {
					b.logger.Warn(ctx, "skipping undecodable live event", "run_id", runID, "error", err)
					continue
				}
				if ev.Seq > last+1 {
					// A hole between the last delivered event and this one
					// means live messages were lost. Refill from the log so
					// the stream stays gapless; if the log has been trimmed
					// past the hole, close and let the client reconnect.
					if !b.backfill(ctx, runID, ev.Seq, emit) {
						return
					}
					if ev.Seq > last+1 {
						b.logger.Warn(ctx, "event log trimmed past live gap, closing stream",
							"run_id", runID, "last_seq", last, "live_seq", ev.Seq)
						return
					}
				}
				terminal, ok := emit(ev)
				if !ok {
					return
				}
				if terminal {
					return
				}
			}
		}
	}()
	return out, nil
}

// backfill replays logged events with Seq below upTo through emit, covering
// live messages lost between the subscriber's last event and upTo. It reports
// whether the subscriber should keep streaming.
func (b *Bus) backfill(ctx context.Context, runID string, upTo uint64, emit func(*models.Event) (terminal bool, ok bool)) bool {
	backlog, err := b.store.LRange(ctx, logKey(runID), 0, -1)
	if err != nil {
		b.logger.Warn(ctx, "failed to refill event gap from log", "run_id", runID, "error", err)
		return false
	}
	for _, raw := range backlog {
		ev, err := decodeEvent(raw)
		if err != nil {
			continue
		}
		if ev.Seq >= upTo {
			break
		}
		terminal, ok := emit(ev)
		if !ok || terminal {
			return false
		}
	}
	return true
}

// History returns the retained events for runID with Seq > afterSeq, without
// subscribing to live delivery.
func (b *Bus) History(ctx context.Context, runID string, afterSeq uint64) ([]*models.Event, error) {
	backlog, err := b.store.LRange(ctx, logKey(runID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("bus: history: %w", err)
	}
	out := make([]*models.Event, 0, len(backlog))
	for _, raw := range backlog {
		ev, err := decodeEvent(raw)
		if err != nil {
			continue
		}
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// SendControl publishes a control message (e.g. ControlStop) for runID.
func (b *Bus) SendControl(ctx context.Context, runID, message string) error {
	if err := b.store.Publish(ctx, controlKey(runID), message); err != nil {
		return fmt.Errorf("bus: send control: %w", err)
	}
	return nil
}

// SubscribeControl streams control messages for runID until ctx ends.
func (b *Bus) SubscribeControl(ctx context.Context, runID string) (<-chan string, error) {
	sub, err := b.store.Subscribe(ctx, controlKey(runID))
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe control: %w", err)
	}

	out := make(chan string, 8)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, open := <-sub.C():
				if !open {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Cleanup removes a run's event log ahead of its TTL.
func (b *Bus) Cleanup(ctx context.Context, runID string) error {
	return b.store.Del(ctx, logKey(runID))
}

func decodeEvent(raw string) (*models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
