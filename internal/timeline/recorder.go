package timeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// ErrClosed is returned when recording into a closed Recorder.
var ErrClosed = errors.New("timeline recorder closed")

// FlushMetrics receives one observation per flush.
// observability.FleetCollector implements it.
type FlushMetrics interface {
	ObserveFlush(rows int, d time.Duration, err error)
}

const (
	defaultSnapshotEvery  = 30
	defaultFlushThreshold = 50_000
)

// Option configures a Recorder.
type Option func(*Recorder)

// WithSnapshotEvery emits a full-population snapshot at least every n days.
// n <= 0 disables periodic snapshots; the start and end days still get one.
func WithSnapshotEvery(n int) Option {
	return func(r *Recorder) { r.every = model.Day(n) }
}

// WithFlushThreshold sets how many buffered rows trigger a background flush.
func WithFlushThreshold(rows int) Option {
	return func(r *Recorder) {
		if rows > 0 {
			r.threshold = rows
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics attaches flush metrics.
func WithMetrics(m FlushMetrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

type flushJob struct {
	entries []Entry
	done    chan error
}

// Recorder buffers event days and flushes them to a Sink on a background
// goroutine. One buffer fills while the previous one is written; when the
// writer falls behind, Record blocks until it catches up.
type Recorder struct {
	sink    Sink
	log     logging.Logger
	metrics FlushMetrics

	every        model.Day
	threshold    int
	lastSnapshot model.Day
	snapshotted  bool

	mu      sync.Mutex
	buf     []Entry
	bufRows int
	closed  bool

	// sendMu guards jobs against being closed while a send is in flight.
	sendMu  sync.RWMutex
	jobs    chan flushJob
	stopped chan struct{}

	errMu sync.Mutex
	err   error
}

// NewRecorder starts a recorder writing to sink.
func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:      sink,
		log:       logging.Noop(),
		every:     defaultSnapshotEvery,
		threshold: defaultFlushThreshold,
		jobs:      make(chan flushJob, 1),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.stopped)
	for job := range r.jobs {
		err := r.write(job.entries)
		if job.done != nil {
			job.done <- err
		}
	}
}

func (r *Recorder) write(entries []Entry) error {
	if len(entries) == 0 {
		return r.Err()
	}
	rows := 0
	for _, e := range entries {
		rows += len(e.Rows)
	}
	start := time.Now()
	err := r.sink.Write(context.Background(), entries)
	if r.metrics != nil {
		r.metrics.ObserveFlush(rows, time.Since(start), err)
	}
	if err != nil {
		r.log.Error(context.Background(), "timeline flush failed",
			logging.Int("rows", rows),
			logging.Int("first_day", int(entries[0].Day)),
			logging.Err(err),
		)
		r.errMu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.errMu.Unlock()
		return err
	}
	r.log.Debug(context.Background(), "timeline flushed",
		logging.Int("rows", rows),
		logging.Int("days", len(entries)),
	)
	return nil
}

// Err returns the first sink error seen by the background writer.
func (r *Recorder) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// SnapshotDue reports whether day is at least the snapshot interval past the
// last full snapshot.
func (r *Recorder) SnapshotDue(day model.Day) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.every <= 0 {
		return false
	}
	return !r.snapshotted || day-r.lastSnapshot >= r.every
}

// Record buffers one event day. Rows and summaries are copied.
func (r *Recorder) Record(ctx context.Context, day model.Day, rows []model.TimelineRecord, summaries []model.ClassSummary) error {
	if err := r.Err(); err != nil {
		return err
	}
	entry := Entry{
		Day:       day,
		Rows:      append([]model.TimelineRecord(nil), rows...),
		Summaries: append([]model.ClassSummary(nil), summaries...),
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if len(rows) > 0 && rows[0].Snapshot {
		r.lastSnapshot, r.snapshotted = day, true
	}
	r.buf = append(r.buf, entry)
	r.bufRows += len(rows)
	var batch []Entry
	if r.bufRows >= r.threshold {
		batch = r.swapLocked()
	}
	r.mu.Unlock()

	if batch == nil {
		return nil
	}
	return r.send(ctx, flushJob{entries: batch})
}

func (r *Recorder) send(ctx context.Context, job flushJob) error {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case r.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) swapLocked() []Entry {
	batch := r.buf
	r.buf = make([]Entry, 0, len(batch))
	r.bufRows = 0
	return batch
}

// Flush writes everything buffered so far and waits for the sink.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	batch := r.swapLocked()
	r.mu.Unlock()

	done := make(chan error, 1)
	if err := r.send(ctx, flushJob{entries: batch, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes, stops the background writer and closes the sink.
func (r *Recorder) Close(ctx context.Context) error {
	flushErr := r.Flush(ctx)
	if errors.Is(flushErr, ErrClosed) {
		return nil
	}
	r.sendMu.Lock()
	r.mu.Lock()
	already := r.closed
	r.closed = true
	r.mu.Unlock()
	if !already {
		close(r.jobs)
	}
	r.sendMu.Unlock()
	if already {
		return flushErr
	}
	select {
	case <-r.stopped:
	case <-ctx.Done():
		return errors.Join(flushErr, ctx.Err())
	}
	return errors.Join(flushErr, r.sink.Close())
}
