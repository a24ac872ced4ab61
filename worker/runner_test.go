package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingJob(name string, counter *int32, err error) JobFunc {
	return JobFunc{JobName: name, Fn: func(ctx context.Context) error {
		atomic.AddInt32(counter, 1)
		return err
	}}
}

func TestRunNow(t *testing.T) {
	var a, b int32
	r := NewRunner("", hclog.NewNullLogger())
	require.NoError(t, r.Schedule(time.Minute, countingJob("a", &a, nil)))
	require.NoError(t, r.Schedule(time.Minute, countingJob("b", &b, errors.New("boom"))))
	assert.Error(t, r.Schedule(0, countingJob("c", &a, nil)))

	r.RunNow()
	r.RunNow()
	assert.Equal(t, int32(2), atomic.LoadInt32(&a))
	assert.Equal(t, int32(2), atomic.LoadInt32(&b))
	require.NoError(t, r.Stop(context.Background()))
}

func TestScheduledRun(t *testing.T) {
	var n int32
	r := NewRunner("", hclog.NewNullLogger())
	require.NoError(t, r.Schedule(time.Second, countingJob("tick", &n, nil)))
	r.Start()
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&n) > 0
	}, 5*time.Second, 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
}

func TestLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "rooms.lock")
	var n int32
	r := NewRunner(lockPath, hclog.NewNullLogger())
	require.NoError(t, r.Schedule(time.Minute, countingJob("locked", &n, nil)))

	other := flock.New(lockPath)
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	r.RunNow()
	assert.Equal(t, int32(0), atomic.LoadInt32(&n))

	require.NoError(t, other.Unlock())
	r.RunNow()
	assert.Equal(t, int32(1), atomic.LoadInt32(&n))
}

func TestStopCancelsJobs(t *testing.T) {
	started := make(chan struct{})
	r := NewRunner("", hclog.NewNullLogger())
	require.NoError(t, r.Schedule(time.Minute, JobFunc{JobName: "blocking", Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	go r.RunNow()
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
}
