package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opnlabs/dotmatrix/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner runs a job until its gate is closed or ctx is done. Jobs
// without a gate finish after delay.
type fakeRunner struct {
	delay time.Duration
	gates map[string]chan struct{}

	mu      sync.Mutex
	active  int
	max     int
	started []string
}

func (f *fakeRunner) Run(ctx context.Context, spec models.JobSpec) models.JobResult {
	f.mu.Lock()
	f.active++
	if f.active > f.max {
		f.max = f.active
	}
	f.started = append(f.started, spec.ID)
	gate := f.gates[spec.ID]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	res := models.JobResult{JobID: spec.ID, Index: spec.Index, Status: models.StatusPass}
	var wait <-chan time.Time
	if gate == nil {
		wait = time.After(f.delay)
	}
	select {
	case <-gate:
	case <-wait:
	case <-ctx.Done():
		res.Status = models.StatusCancelled
	}
	return res
}

func (f *fakeRunner) startedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func specs(n int) []models.JobSpec {
	out := make([]models.JobSpec, n)
	for i := range out {
		out[i] = models.JobSpec{ID: fmt.Sprintf("job-%d", i), Index: i}
	}
	return out
}

func collect(ch <-chan models.JobResult) []models.JobResult {
	var out []models.JobResult
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestConcurrencyLimit(t *testing.T) {
	r := &fakeRunner{delay: 20 * time.Millisecond}
	s := New(r, 3, zaptest.NewLogger(t))

	results := collect(s.Run(context.Background(), specs(10)))

	assert.Len(t, results, 10)
	assert.LessOrEqual(t, r.max, 3)
	stats := s.Stats()
	assert.Equal(t, 3, stats.Limit)
	assert.Equal(t, 10, stats.Started)
	assert.Equal(t, 10, stats.Completed)
	assert.LessOrEqual(t, stats.MaxConcurrent, 3)
	assert.GreaterOrEqual(t, stats.MaxConcurrent, 1)
}

func TestAdmissionIsFIFO(t *testing.T) {
	r := &fakeRunner{delay: time.Millisecond}
	s := New(r, 1, zaptest.NewLogger(t))

	collect(s.Run(context.Background(), specs(5)))
	assert.Equal(t, []string{"job-0", "job-1", "job-2", "job-3", "job-4"}, r.startedJobs())
	assert.Equal(t, 1, s.Stats().MaxConcurrent)
}

func TestLimitBelowOne(t *testing.T) {
	r := &fakeRunner{delay: time.Millisecond}
	s := New(r, 0, zaptest.NewLogger(t))

	assert.Len(t, collect(s.Run(context.Background(), specs(3))), 3)
	assert.Equal(t, 1, s.Stats().Limit)
	assert.Equal(t, 1, r.max)
}

func TestResultsStreamInCompletionOrder(t *testing.T) {
	slow := make(chan struct{})
	r := &fakeRunner{delay: time.Millisecond, gates: map[string]chan struct{}{"job-0": slow}}
	s := New(r, 2, zaptest.NewLogger(t))

	ch := s.Run(context.Background(), specs(2))

	select {
	case first := <-ch:
		assert.Equal(t, "job-1", first.JobID)
	case <-time.After(5 * time.Second):
		t.Fatal("fast job result was not streamed")
	}
	close(slow)
	last := <-ch
	assert.Equal(t, "job-0", last.JobID)
	_, open := <-ch
	assert.False(t, open)
}

func TestCancelQueuedJob(t *testing.T) {
	gate := make(chan struct{})
	r := &fakeRunner{delay: time.Millisecond, gates: map[string]chan struct{}{"job-0": gate}}
	s := New(r, 1, zaptest.NewLogger(t))

	ch := s.Run(context.Background(), specs(3))
	require.Eventually(t, func() bool { return len(r.startedJobs()) == 1 }, 5*time.Second, 5*time.Millisecond)

	assert.True(t, s.Cancel("job-1"))
	close(gate)

	byID := map[string]models.JobResult{}
	for res := range ch {
		byID[res.JobID] = res
	}
	require.Len(t, byID, 3)
	assert.Equal(t, models.StatusCancelled, byID["job-1"].Status)
	assert.True(t, byID["job-1"].Incomplete)
	assert.Equal(t, models.StatusPass, byID["job-0"].Status)
	assert.Equal(t, models.StatusPass, byID["job-2"].Status)
	assert.Equal(t, []string{"job-0", "job-2"}, r.startedJobs())
}

func TestCancelRunningJob(t *testing.T) {
	r := &fakeRunner{gates: map[string]chan struct{}{"job-0": make(chan struct{})}}
	s := New(r, 1, zaptest.NewLogger(t))

	ch := s.Run(context.Background(), specs(1))
	require.Eventually(t, func() bool { return len(r.startedJobs()) == 1 }, 5*time.Second, 5*time.Millisecond)

	assert.True(t, s.Cancel("job-0"))
	res := <-ch
	assert.Equal(t, models.StatusCancelled, res.Status)
	assert.False(t, s.Cancel("job-0"))
	assert.False(t, s.Cancel("no-such-job"))
}

func TestAbortReportsEveryJob(t *testing.T) {
	gates := map[string]chan struct{}{}
	for _, spec := range specs(5) {
		gates[spec.ID] = make(chan struct{})
	}
	r := &fakeRunner{gates: gates}
	s := New(r, 2, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Run(ctx, specs(5))
	require.Eventually(t, func() bool { return len(r.startedJobs()) == 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	results := collect(ch)
	require.Len(t, results, 5)
	for _, res := range results {
		assert.Equal(t, models.StatusCancelled, res.Status, res.JobID)
	}
	assert.Len(t, r.startedJobs(), 2)
}

func TestEmptyPipeline(t *testing.T) {
	s := New(&fakeRunner{}, 4, zaptest.NewLogger(t))
	assert.Empty(t, collect(s.Run(context.Background(), nil)))
}
