package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/cyclemgr/internal/observability"
)

const (
	leaderLockKey    = "cyclemgr:lock:leader"
	leaderEpochKey   = "cyclemgr:epoch:leader"
	maxRenewFailures = 3
)

// LockMetadata is the JSON value stored in the leader lease.
type LockMetadata struct {
	OwnerNode string    `json:"owner_node"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaderState is a read-only snapshot of the elector, exposed on the state
// endpoint.
type LeaderState struct {
	IsLeader     bool   `json:"is_leader"`
	CurrentEpoch int64  `json:"current_epoch"`
	Transitions  int64  `json:"transitions"`
	NodeID       string `json:"node_id"`
}

// LeaderElector runs Redis-lease leader election. The elected callback
// receives a context cancelled on leadership loss; all cleanup loops hang off
// that context so a deposed replica stops mutating immediately.
type LeaderElector struct {
	coordinator Coordinator
	nodeID      string
	ttl         time.Duration

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	transitions  int64
	leaderCancel context.CancelFunc

	onElected func(context.Context)
	onLost    func()
}

func NewLeaderElector(c Coordinator, nodeID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{coordinator: c, nodeID: nodeID, ttl: ttl}
}

// SetCallbacks registers the leadership handlers. Must be called before Start.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// GetState returns the elector snapshot.
func (l *LeaderElector) GetState() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:     l.isLeader,
		CurrentEpoch: l.currentEpoch,
		Transitions:  l.transitions,
		NodeID:       l.nodeID,
	}
}

func (l *LeaderElector) loop(ctx context.Context) {
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl
	interval := minInterval

	renewFailures := 0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.stepDown()
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("LeaderElector: renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						log.Printf("LeaderElector: too many renew failures, stepping down")
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				log.Printf("LeaderElector: backing off for %v", interval)
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	epoch, err := l.coordinator.IncrementEpoch(ctx, leaderEpochKey)
	if err != nil {
		return false, err
	}

	meta := LockMetadata{
		OwnerNode: l.nodeID,
		Epoch:     epoch,
		ReqID:     uuid.NewString(),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(l.ttl),
	}
	valBytes, _ := json.Marshal(meta)
	val := string(valBytes)

	acquired, err := l.coordinator.AcquireLease(ctx, leaderLockKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.currentEpoch = epoch
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, leaderLockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.coordinator.ReleaseLease(ctx, leaderLockKey, val); err != nil {
		log.Printf("LeaderElector: release failed: %v", err)
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	l.transitions++
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	epoch := l.currentEpoch
	l.mu.Unlock()

	observability.LeaderStatus.Set(1)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	log.Printf("LeaderElector: node %s acquired leadership (epoch %d)", l.nodeID, epoch)

	if l.onElected != nil {
		go l.onElected(ctx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	l.currentValue = ""
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	log.Printf("LeaderElector: node %s lost leadership", l.nodeID)

	if l.onLost != nil {
		l.onLost()
	}
}
