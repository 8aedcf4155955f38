package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/veilchat/relay-server-go/internal/model"
)

type fakeSweeper struct {
	mu       sync.Mutex
	expired  []model.Session
	bindings map[string]string
	sweeps   int
	lastNow  time.Time
}

func (f *fakeSweeper) SweepExpired(ctx context.Context, now time.Time) []model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	f.lastNow = now
	out := f.expired
	f.expired = nil
	return out
}

func (f *fakeSweeper) ConnectionForSession(sessionID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	connID, ok := f.bindings[sessionID]
	return connID, ok
}

func (f *fakeSweeper) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

type fakeCloser struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeCloser) DisconnectConnection(ctx context.Context, connID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, connID)
	return true
}

func TestCleanupJob_Cleanup(t *testing.T) {
	t.Run("closes connections of expired sessions", func(t *testing.T) {
		sweeper := &fakeSweeper{
			expired: []model.Session{
				{ID: "s1", UserID: "alice"},
				{ID: "s2", UserID: "bob"},
			},
			bindings: map[string]string{"s1": "c1"},
		}
		closer := &fakeCloser{}
		job := NewCleanupJob(sweeper, closer, time.Hour)
		fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		job.now = func() time.Time { return fixed }

		job.cleanup()

		assert.Equal(t, []string{"c1"}, closer.closed)
		assert.Equal(t, fixed, sweeper.lastNow)
	})

	t.Run("nothing expired", func(t *testing.T) {
		sweeper := &fakeSweeper{}
		closer := &fakeCloser{}
		job := NewCleanupJob(sweeper, closer, time.Hour)

		job.cleanup()

		assert.Empty(t, closer.closed)
		assert.Equal(t, 1, sweeper.sweepCount())
	})
}

func TestCleanupJob_StartStop(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := NewCleanupJob(sweeper, &fakeCloser{}, 10*time.Millisecond)

	job.Start()
	assert.Eventually(t, func() bool { return sweeper.sweepCount() >= 2 }, time.Second, 5*time.Millisecond)
	job.Stop()

	count := sweeper.sweepCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, count, sweeper.sweepCount(), "no sweeps after Stop")
}
