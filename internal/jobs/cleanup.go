package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veilchat/relay-server-go/internal/model"
)

type SessionSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) []model.Session
	ConnectionForSession(sessionID string) (string, bool)
}

type ConnectionCloser interface {
	DisconnectConnection(ctx context.Context, connID string) bool
}

// CleanupJob ends expired sessions and closes the connections bound to them.
type CleanupJob struct {
	sessions SessionSweeper
	closer   ConnectionCloser
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
	stopped  chan struct{}
}

func NewCleanupJob(sessions SessionSweeper, closer ConnectionCloser, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		sessions: sessions,
		closer:   closer,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

// Stop waits for an in-flight sweep to finish.
func (j *CleanupJob) Stop() {
	close(j.done)
	<-j.stopped
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	defer close(j.stopped)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired := j.sessions.SweepExpired(ctx, j.now())

	closed := 0
	for _, sess := range expired {
		connID, ok := j.sessions.ConnectionForSession(sess.ID)
		if !ok {
			continue
		}
		if j.closer.DisconnectConnection(ctx, connID) {
			closed++
		}
	}

	if len(expired) > 0 {
		log.Info().
			Int("count", len(expired)).
			Int("connectionsClosed", closed).
			Msg("cleaned up expired sessions")
	}
}
