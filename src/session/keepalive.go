package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Keepalive defaults.
const (
	DefaultPingInterval        = 15 * time.Second
	DefaultMissedPongThreshold = 2
)

// KeepAliveState is a point-in-time view of the monitor.
type KeepAliveState struct {
	LastPingSentAt     time.Time `json:"last_ping_sent_at"`
	LastPongReceivedAt time.Time `json:"last_pong_received_at"`
	MissedCount        int       `json:"missed_count"`
	Running            bool      `json:"running"`
}

// KeepAlive sends application-level pings while a session is connected and
// declares the connection dead after too many unanswered ones.
type KeepAlive struct {
	interval  time.Duration
	threshold int
	send      func(ctx context.Context) error
	onDead    func()
	onMiss    func()
	logger    *slog.Logger

	mu       sync.Mutex
	state    KeepAliveState
	awaiting bool
	dead     bool
}

func newKeepAlive(interval time.Duration, threshold int, logger *slog.Logger, send func(context.Context) error, onDead, onMiss func()) *KeepAlive {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if threshold <= 0 {
		threshold = DefaultMissedPongThreshold
	}
	return &KeepAlive{
		interval:  interval,
		threshold: threshold,
		send:      send,
		onDead:    onDead,
		onMiss:    onMiss,
		logger:    logger,
	}
}

// Snapshot returns the current state.
func (k *KeepAlive) Snapshot() KeepAliveState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Pong records a pong and clears the missed count.
func (k *KeepAlive) Pong() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.awaiting = false
	k.state.MissedCount = 0
	k.state.LastPongReceivedAt = time.Now()
}

// run pings immediately, then every interval, until ctx is cancelled or the
// connection is declared dead.
func (k *KeepAlive) run(ctx context.Context) {
	k.mu.Lock()
	k.state.Running = true
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		k.state.Running = false
		k.mu.Unlock()
	}()

	k.ping(ctx)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if k.tick(ctx) {
				return
			}
		}
	}
}

// tick reports whether the connection was declared dead.
func (k *KeepAlive) tick(ctx context.Context) bool {
	k.mu.Lock()
	if k.awaiting {
		k.state.MissedCount++
		if k.onMiss != nil {
			k.onMiss()
		}
	}
	missed := k.state.MissedCount
	if missed > k.threshold && !k.dead {
		k.dead = true
		k.mu.Unlock()
		k.logger.Warn("keepalive: no pong, declaring connection dead", "missed", missed, "threshold", k.threshold)
		if k.onDead != nil {
			k.onDead()
		}
		return true
	}
	k.mu.Unlock()

	if missed > 0 {
		k.logger.Debug("keepalive: pong missing", "missed", missed)
	}
	k.ping(ctx)
	return false
}

func (k *KeepAlive) ping(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	k.mu.Lock()
	k.awaiting = true
	k.state.LastPingSentAt = time.Now()
	k.mu.Unlock()

	if err := k.send(ctx); err != nil {
		k.logger.Debug("keepalive: ping not sent", "err", err)
	}
}
