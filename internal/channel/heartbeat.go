package channel

import (
	"context"
	"sync"
	"time"
)

// timeoutFactor is the multiplier on the heartbeat interval after which a
// silent peer is declared dead.
const timeoutFactor = 2

// heartbeatMonitor probes channel liveness while the channel is connected.
// Each tick either sends a ping or, when no acknowledgment arrived within
// interval*timeoutFactor, fires the timeout path exactly once. Stop must be
// called on every path that leaves the connected state; an orphaned monitor
// would otherwise tick against a torn-down channel.
type heartbeatMonitor struct {
	interval time.Duration

	mu      sync.Mutex
	lastAck time.Time
	cancel  context.CancelFunc

	now func() time.Time
}

func newHeartbeatMonitor(interval time.Duration) *heartbeatMonitor {
	return &heartbeatMonitor{interval: interval, now: time.Now}
}

// Start begins the probe loop, replacing any previous one. sendPing is
// invoked on each healthy tick; onTimeout at most once, after which the
// loop exits on its own.
func (h *heartbeatMonitor) Start(sendPing func(), onTimeout func()) {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.lastAck = h.now()
	h.mu.Unlock()

	go h.loop(ctx, sendPing, onTimeout)
}

func (h *heartbeatMonitor) loop(ctx context.Context, sendPing, onTimeout func()) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.expired() {
				onTimeout()
				return
			}
			sendPing()
		}
	}
}

func (h *heartbeatMonitor) expired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now().Sub(h.lastAck) > h.interval*timeoutFactor
}

// Ack records a liveness acknowledgment.
func (h *heartbeatMonitor) Ack() {
	h.mu.Lock()
	h.lastAck = h.now()
	h.mu.Unlock()
}

// Stop cancels the probe loop. Safe to call repeatedly and when never
// started.
func (h *heartbeatMonitor) Stop() {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.mu.Unlock()
}
