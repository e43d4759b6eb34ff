package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labmanager/pkg/models"
)

// fakeStore records batches and can be told to fail
type fakeStore struct {
	mu      sync.Mutex
	batches [][]*models.TelemetrySample
	failing bool

	// blockInsert holds InsertBatch until released, to exercise the
	// single-flight guard
	blockInsert chan struct{}
	inserting   chan struct{}
}

func (s *fakeStore) InsertBatch(ctx context.Context, samples []*models.TelemetrySample) error {
	if s.inserting != nil {
		s.inserting <- struct{}{}
	}
	if s.blockInsert != nil {
		<-s.blockInsert
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("store unavailable")
	}
	batch := make([]*models.TelemetrySample, len(samples))
	copy(batch, samples)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeStore) setFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *fakeStore) stored() []*models.TelemetrySample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.TelemetrySample
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func sample(machineID, allocationID, cpu int64) *models.TelemetrySample {
	return &models.TelemetrySample{
		MachineID:    machineID,
		AllocationID: allocationID,
		CPUUsage:     cpu,
		CPUTemp:      40,
		GPUUsage:     0,
		GPUTemp:      35,
		RAMUsage:     20,
	}
}

// TestBuffer_AddAndFlush tests the basic queue and write path
func TestBuffer_AddAndFlush(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store)
	ctx := context.Background()

	buf.Add(ctx, sample(1, 10, 5))
	buf.Add(ctx, sample(1, 10, 15))
	buf.Add(ctx, sample(2, 20, 25))

	assert.Equal(t, 3, buf.Stats().QueuedSamples)
	assert.Equal(t, 2, buf.Stats().TrackedMachines)

	n, err := buf.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, buf.Stats().QueuedSamples)
	assert.Equal(t, int64(3), buf.Stats().FlushedTotal)

	stored := store.stored()
	require.Len(t, stored, 3)
	assert.Equal(t, int64(5), stored[0].CPUUsage)
	assert.Equal(t, int64(15), stored[1].CPUUsage)
	assert.Equal(t, int64(25), stored[2].CPUUsage)
}

// TestBuffer_FlushEmpty tests that an empty queue is a no-op
func TestBuffer_FlushEmpty(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store)

	n, err := buf.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.batches)
}

// TestBuffer_Latest tests per-machine latest tracking
func TestBuffer_Latest(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store)
	ctx := context.Background()

	assert.Nil(t, buf.Latest(1))

	buf.Add(ctx, sample(1, 10, 5))
	buf.Add(ctx, sample(1, 10, 99))

	latest := buf.Latest(1)
	require.NotNil(t, latest)
	assert.Equal(t, int64(99), latest.CPUUsage)

	// Flushing does not forget the latest sample
	_, err := buf.Flush(ctx)
	require.NoError(t, err)
	assert.NotNil(t, buf.Latest(1))

	buf.Add(ctx, sample(2, 20, 40))
	all := buf.AllLatest()
	require.Len(t, all, 2)
	assert.Equal(t, int64(99), all[1].CPUUsage)
	assert.Equal(t, int64(40), all[2].CPUUsage)
}

// TestBuffer_FailedFlushKeepsSamples tests that a store outage loses
// nothing and preserves order
func TestBuffer_FailedFlushKeepsSamples(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store)
	ctx := context.Background()

	buf.Add(ctx, sample(1, 10, 1))
	buf.Add(ctx, sample(1, 10, 2))

	store.setFailing(true)
	_, err := buf.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, buf.Stats().QueuedSamples)
	assert.Equal(t, int64(1), buf.Stats().FailedFlushes)

	// New samples arriving after the failure queue behind the old ones
	buf.Add(ctx, sample(1, 10, 3))

	store.setFailing(false)
	n, err := buf.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stored := store.stored()
	require.Len(t, stored, 3)
	for i, s := range stored {
		assert.Equal(t, int64(i+1), s.CPUUsage)
	}
}

// TestBuffer_SingleFlightFlush tests that a flush racing another
// returns immediately with nothing written
func TestBuffer_SingleFlightFlush(t *testing.T) {
	store := &fakeStore{
		blockInsert: make(chan struct{}),
		inserting:   make(chan struct{}, 1),
	}
	buf := NewBuffer(store)
	ctx := context.Background()

	buf.Add(ctx, sample(1, 10, 1))

	firstDone := make(chan int)
	go func() {
		n, _ := buf.Flush(ctx)
		firstDone <- n
	}()

	// Wait for the first flush to reach the store
	<-store.inserting

	buf.Add(ctx, sample(1, 10, 2))
	n, err := buf.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "concurrent flush must yield")

	close(store.blockInsert)
	assert.Equal(t, 1, <-firstDone)

	// The yielded sample is still queued for the next flush
	assert.Equal(t, 1, buf.Stats().QueuedSamples)
}

// TestBuffer_BackpressureFlush tests the inline flush at the size cap
func TestBuffer_BackpressureFlush(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store)
	ctx := context.Background()

	for i := 0; i < MaxBufferSize; i++ {
		buf.Add(ctx, sample(1, 10, int64(i)))
	}

	assert.Zero(t, buf.Stats().QueuedSamples)
	assert.Len(t, store.stored(), MaxBufferSize)
}

// TestBuffer_ClearMachine tests machine removal from queue and latest
func TestBuffer_ClearMachine(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store)
	ctx := context.Background()

	buf.Add(ctx, sample(1, 10, 1))
	buf.Add(ctx, sample(2, 20, 2))
	buf.Add(ctx, sample(1, 10, 3))

	buf.ClearMachine(1)

	assert.Nil(t, buf.Latest(1))
	assert.NotNil(t, buf.Latest(2))
	assert.Equal(t, 1, buf.Stats().QueuedSamples)

	n, err := buf.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stored := store.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, int64(2), stored[0].MachineID)
}

// TestBuffer_Shutdown tests the final flush on shutdown
func TestBuffer_Shutdown(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store)
	ctx := context.Background()

	go buf.Run(ctx)

	buf.Add(ctx, sample(1, 10, 1))
	buf.Add(ctx, sample(1, 10, 2))

	require.NoError(t, buf.Shutdown(ctx))
	assert.Len(t, store.stored(), 2)
}

// TestBuffer_ShutdownWithoutRun tests shutdown when the ticker
// goroutine was never started
func TestBuffer_ShutdownWithoutRun(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store)
	ctx := context.Background()

	buf.Add(ctx, sample(1, 10, 1))

	require.NoError(t, buf.Shutdown(ctx))
	assert.Len(t, store.stored(), 1)
}
