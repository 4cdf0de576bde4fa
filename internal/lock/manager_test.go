package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLock scripts renew outcomes so manager promotion/demotion can be
// driven deterministically.
type fakeLock struct {
	mu        sync.Mutex
	acquireOK bool
	renewErrs []error
	acquires  int
	renews    int
	releases  int
}

func (f *fakeLock) Acquire(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	return f.acquireOK, nil
}

func (f *fakeLock) Renew(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	if len(f.renewErrs) == 0 {
		return nil
	}
	err := f.renewErrs[0]
	f.renewErrs = f.renewErrs[1:]
	return err
}

func (f *fakeLock) Release(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakeLock) Mode() Mode { return Mode("fake") }

func (f *fakeLock) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

func TestManager_PromotesOnAcquire(t *testing.T) {
	m := NewManager(NewDisabledLock(), "holder-a", 5*time.Millisecond, testLogger().Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	assert.Eventually(t, m.IsHolder, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.False(t, m.IsHolder(), "shutdown drops the holder flag")
}

func TestManager_DemotesOnRenewalFailureThenReacquires(t *testing.T) {
	fake := &fakeLock{acquireOK: true, renewErrs: []error{ErrNotHolder}}
	m := NewManager(fake, "holder-a", 5*time.Millisecond, testLogger().Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	// Promoted first, demoted by the failed renewal, then re-acquired.
	assert.Eventually(t, m.IsHolder, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.renews >= 1 && fake.acquires >= 2
	}, time.Second, time.Millisecond)
	assert.Eventually(t, m.IsHolder, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestManager_StandsByWhenLeaseHeldElsewhere(t *testing.T) {
	fake := &fakeLock{acquireOK: false}
	m := NewManager(fake, "holder-b", 5*time.Millisecond, testLogger().Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	assert.Never(t, m.IsHolder, 50*time.Millisecond, 5*time.Millisecond)

	cancel()
	<-done
}

func TestManager_ReleasesOnShutdown(t *testing.T) {
	fake := &fakeLock{acquireOK: true}
	m := NewManager(fake, "holder-a", 5*time.Millisecond, testLogger().Logger)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	require.Eventually(t, m.IsHolder, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 1, fake.releaseCount())
	assert.False(t, m.IsHolder())
}
