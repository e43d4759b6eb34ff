package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"labmanager/internal/metrics"
	"labmanager/pkg/models"
)

const (
	// MaxBufferSize is the queue depth that triggers an immediate
	// flush instead of waiting for the ticker.
	MaxBufferSize = 1000

	// FlushInterval is how often queued samples are written out.
	FlushInterval = 60 * time.Second
)

// Store is the persistence half of the buffer. InsertBatch must write
// samples in slice order.
type Store interface {
	InsertBatch(ctx context.Context, samples []*models.TelemetrySample) error
}

// Stats is a point-in-time snapshot of buffer state
type Stats struct {
	QueuedSamples   int   `json:"queuedSamples"`
	TrackedMachines int   `json:"trackedMachines"`
	FlushedTotal    int64 `json:"flushedTotal"`
	FailedFlushes   int64 `json:"failedFlushes"`
}

// Buffer batches incoming telemetry samples and writes them to the
// store periodically. It also keeps the latest sample per machine for
// cheap liveness reads. Samples survive a failed flush: the batch is
// put back at the front of the queue in its original order.
type Buffer struct {
	store Store

	mu       sync.Mutex
	queue    []*models.TelemetrySample
	latest   map[int64]*models.TelemetrySample
	flushing bool

	flushedTotal  int64
	failedFlushes int64

	stop     chan struct{}
	stopOnce sync.Once
	started  bool
	done     chan struct{}
}

// NewBuffer creates a telemetry buffer writing to the given store
func NewBuffer(store Store) *Buffer {
	return &Buffer{
		store:  store,
		latest: make(map[int64]*models.TelemetrySample),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Add queues a sample and records it as the machine's latest. When the
// queue reaches MaxBufferSize the flush runs inline on the caller.
func (b *Buffer) Add(ctx context.Context, sample *models.TelemetrySample) {
	b.mu.Lock()
	b.queue = append(b.queue, sample)
	b.latest[sample.MachineID] = sample
	full := len(b.queue) >= MaxBufferSize
	b.mu.Unlock()

	if full {
		if n, err := b.Flush(ctx); err != nil {
			log.Error().Err(err).Msg("Backpressure flush failed")
		} else if n > 0 {
			log.Debug().Int("flushed", n).Msg("Backpressure flush")
		}
	}
}

// Latest returns the most recent sample seen for the machine, or nil
func (b *Buffer) Latest(machineID int64) *models.TelemetrySample {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest[machineID]
}

// AllLatest returns a snapshot of the most recent sample per machine
func (b *Buffer) AllLatest() map[int64]*models.TelemetrySample {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make(map[int64]*models.TelemetrySample, len(b.latest))
	for id, s := range b.latest {
		snapshot[id] = s
	}
	return snapshot
}

// Flush writes all queued samples to the store in one batch. Only one
// flush runs at a time; a concurrent call returns 0 immediately. On
// failure the batch is prepended back so nothing is lost or reordered.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	if b.flushing || len(b.queue) == 0 {
		b.mu.Unlock()
		return 0, nil
	}
	b.flushing = true
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	err := b.store.InsertBatch(ctx, batch)

	b.mu.Lock()
	b.flushing = false
	if err != nil {
		b.failedFlushes++
		b.queue = append(batch, b.queue...)
		b.mu.Unlock()
		metrics.TelemetryFlushesTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	b.flushedTotal += int64(len(batch))
	b.mu.Unlock()
	metrics.TelemetryFlushesTotal.WithLabelValues("ok").Inc()
	return len(batch), nil
}

// ClearMachine drops the machine's latest sample and removes its
// queued samples. Called when a machine is deleted so nothing is
// written for it afterwards.
func (b *Buffer) ClearMachine(machineID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.latest, machineID)

	kept := b.queue[:0]
	for _, s := range b.queue {
		if s.MachineID != machineID {
			kept = append(kept, s)
		}
	}
	b.queue = kept
}

// Stats returns current buffer counters
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		QueuedSamples:   len(b.queue),
		TrackedMachines: len(b.latest),
		FlushedTotal:    b.flushedTotal,
		FailedFlushes:   b.failedFlushes,
	}
}

// Run flushes on a ticker until Shutdown is called or the context is
// cancelled. Meant to run in its own goroutine.
func (b *Buffer) Run(ctx context.Context) {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	defer close(b.done)

	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := b.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("Periodic telemetry flush failed")
			} else if n > 0 {
				log.Debug().Int("flushed", n).Msg("Periodic telemetry flush")
			}
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the ticker and performs a final flush so queued
// samples are not lost on exit.
func (b *Buffer) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stop) })

	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		select {
		case <-b.done:
		case <-ctx.Done():
		}
	}

	n, err := b.Flush(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int("flushed", n).Msg("Final telemetry flush on shutdown")
	}
	return nil
}
