// Package decoder reassembles typed domain records from the fragmented,
// asynchronous message stream the embedded frame posts across its boundary.
// Fragments for one logical message may arrive in any order, duplicated, or
// never complete; the assembler buffers per message id, emits exactly one
// record per completed run, and evicts stale buffers on a timer.
package decoder

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Fragment is one part of a logical cross-frame message. Total rides on every
// fragment; the terminal fragment carries Part == Total-1.
type Fragment struct {
	MessageID string `json:"id"`
	Part      int    `json:"part"`
	Total     int    `json:"total"`
	Data      string `json:"data"`
}

// ParseFragment decodes the raw JSON envelope the frame channel delivers.
func ParseFragment(raw []byte) (Fragment, error) {
	var frag Fragment
	if err := json.Unmarshal(raw, &frag); err != nil {
		return Fragment{}, fmt.Errorf("fragment envelope: %w", err)
	}
	if frag.MessageID == "" {
		return Fragment{}, fmt.Errorf("fragment envelope: empty message id")
	}
	return frag, nil
}

// IncompleteMessageError reports a buffer evicted before its run completed.
// Surfaced for observability; the workflow treats the affected step as
// unverified rather than failing the transaction.
type IncompleteMessageError struct {
	MessageID string
	Received  int
	Total     int
	Idle      time.Duration
}

func (e *IncompleteMessageError) Error() string {
	return fmt.Sprintf("message %s incomplete: %d/%d fragments after %s idle",
		e.MessageID, e.Received, e.Total, e.Idle)
}

// Observer receives eviction notices from the sweep loop.
type Observer func(*IncompleteMessageError)

type buffer struct {
	total    int
	parts    map[int]string
	lastSeen time.Time
}

// Assembler holds in-flight fragment buffers for one target session. Scoped
// per session and torn down with it.
type Assembler struct {
	logger      *zap.Logger
	idleTimeout time.Duration
	sweepEvery  time.Duration
	observer    Observer
	now         func() time.Time

	mu      sync.Mutex
	buffers map[string]*buffer

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// AssemblerOption customizes an Assembler.
type AssemblerOption func(*Assembler)

// WithObserver installs the eviction callback.
func WithObserver(obs Observer) AssemblerOption {
	return func(a *Assembler) { a.observer = obs }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) AssemblerOption {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler creates an assembler. idleTimeout bounds how long an
// unfinished buffer is retained; sweepEvery is the eviction check period.
func NewAssembler(logger *zap.Logger, idleTimeout, sweepEvery time.Duration, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		logger:      logger.Named("decoder"),
		idleTimeout: idleTimeout,
		sweepEvery:  sweepEvery,
		now:         time.Now,
		buffers:     make(map[string]*buffer),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ingest accepts one fragment. It returns a non-nil Record exactly once per
// message id, when the full run 0..Total-1 is present. Duplicate fragments,
// keyed by (message id, part), are ignored. Arrival order is irrelevant.
func (a *Assembler) Ingest(frag Fragment) (*Record, error) {
	if frag.Total <= 0 {
		return nil, fmt.Errorf("fragment %s: non-positive total %d", frag.MessageID, frag.Total)
	}
	if frag.Part < 0 || frag.Part >= frag.Total {
		return nil, fmt.Errorf("fragment %s: part %d out of range [0,%d)", frag.MessageID, frag.Part, frag.Total)
	}

	a.mu.Lock()
	buf, ok := a.buffers[frag.MessageID]
	if !ok {
		buf = &buffer{total: frag.Total, parts: make(map[int]string, frag.Total)}
		a.buffers[frag.MessageID] = buf
	}
	if buf.total != frag.Total {
		a.mu.Unlock()
		return nil, fmt.Errorf("fragment %s: total changed %d -> %d", frag.MessageID, buf.total, frag.Total)
	}
	if _, dup := buf.parts[frag.Part]; dup {
		buf.lastSeen = a.now()
		a.mu.Unlock()
		a.logger.Debug("Duplicate fragment ignored.",
			zap.String("message_id", frag.MessageID), zap.Int("part", frag.Part))
		return nil, nil
	}
	buf.parts[frag.Part] = frag.Data
	buf.lastSeen = a.now()

	if len(buf.parts) < buf.total {
		a.mu.Unlock()
		return nil, nil
	}
	delete(a.buffers, frag.MessageID)
	a.mu.Unlock()

	payload := assemble(buf)
	record, err := ParseRecord(frag.MessageID, payload)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", frag.MessageID, err)
	}
	a.logger.Debug("Message assembled.",
		zap.String("message_id", frag.MessageID),
		zap.String("type", record.Type),
		zap.Bool("accepted", record.Accepted))
	return record, nil
}

// assemble concatenates buffered parts in ascending index order.
func assemble(buf *buffer) string {
	indices := make([]int, 0, len(buf.parts))
	for idx := range buf.parts {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var sb strings.Builder
	for _, idx := range indices {
		sb.WriteString(buf.parts[idx])
	}
	return sb.String()
}

// Start launches the background eviction sweep. Safe to call once.
func (a *Assembler) Start() {
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-ticker.C:
				a.sweep()
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit. Idempotent.
func (a *Assembler) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}

// Pending reports the number of in-flight buffers.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// sweep evicts buffers idle past the timeout and notifies the observer.
func (a *Assembler) sweep() {
	now := a.now()

	a.mu.Lock()
	var evicted []*IncompleteMessageError
	for id, buf := range a.buffers {
		idle := now.Sub(buf.lastSeen)
		if idle < a.idleTimeout {
			continue
		}
		evicted = append(evicted, &IncompleteMessageError{
			MessageID: id,
			Received:  len(buf.parts),
			Total:     buf.total,
			Idle:      idle,
		})
		delete(a.buffers, id)
	}
	a.mu.Unlock()

	for _, inc := range evicted {
		a.logger.Warn("Incomplete message evicted.",
			zap.String("message_id", inc.MessageID),
			zap.Int("received", inc.Received),
			zap.Int("total", inc.Total),
			zap.Duration("idle", inc.Idle))
		if a.observer != nil {
			a.observer(inc)
		}
	}
}
