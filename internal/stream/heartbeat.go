package stream

import "time"

// heartbeat tracks connection liveness while streaming. Any inbound frame
// (or a WebSocket-level pong) refreshes the liveness timestamp; when a probe
// tick finds the timestamp older than the staleness threshold the connection
// is declared dead.
//
// Owned by the client run loop; no locking.
type heartbeat struct {
	interval  time.Duration
	threshold time.Duration

	lastSignal time.Time
	running    bool
}

func newHeartbeat(interval, threshold time.Duration) *heartbeat {
	return &heartbeat{
		interval:  interval,
		threshold: threshold,
	}
}

// start arms the monitor. Called when authentication succeeds.
func (h *heartbeat) start(now time.Time) {
	h.lastSignal = now
	h.running = true
}

// stop disarms the monitor. Called on any exit from the streaming state.
func (h *heartbeat) stop() {
	h.running = false
}

// observe records an inbound liveness signal.
func (h *heartbeat) observe(now time.Time) {
	if h.running {
		h.lastSignal = now
	}
}

// stale reports whether the connection has been silent past the threshold.
func (h *heartbeat) stale(now time.Time) bool {
	return h.running && now.Sub(h.lastSignal) > h.threshold
}
