// ABOUTME: Backpressure gate for new streams and per-session message rates.
// ABOUTME: Rejections are boolean+reason results, never errors or blocking waits.

package admission

import (
	"log/slog"
	"sync"
	"time"
)

// Stable machine-readable rejection reasons.
const (
	ReasonStreamLimit    = "stream_limit_exceeded"
	ReasonRateLimit      = "rate_limit_exceeded"
	ReasonEmptySession   = "missing_session_id"
	ReasonDuplicateAdmit = "session_already_active"
)

// streamAdmission is the per-session accounting record.
type streamAdmission struct {
	sessionID         string
	hardwareID        string
	messageTimestamps []time.Time
}

// Controller bounds total concurrent streams and per-session message
// throughput. All checks return immediately; a full gateway rejects rather
// than queues.
type Controller struct {
	mu         sync.Mutex
	admissions map[string]*streamAdmission
	active     int

	maxStreams int
	rateWindow time.Duration
	rateMax    int

	logger *slog.Logger
}

// New creates a controller. maxStreams bounds concurrent admitted streams,
// rateMax bounds visible fragments per rateWindow per session.
func New(maxStreams int, rateWindow time.Duration, rateMax int, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		admissions: make(map[string]*streamAdmission),
		maxStreams: maxStreams,
		rateWindow: rateWindow,
		rateMax:    rateMax,
		logger:     logger.With("component", "admission"),
	}
}

// AcquireStream admits a new stream or rejects it with a stable reason.
// It never blocks: at or above the concurrent-stream limit the rejection is
// immediate.
func (c *Controller) AcquireStream(sessionID, hardwareID string) (bool, string) {
	if sessionID == "" {
		return false, ReasonEmptySession
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.admissions[sessionID]; exists {
		c.logger.Warn("stream already admitted for session",
			"session_id", sessionID,
			"hardware_id", hardwareID,
		)
		return false, ReasonDuplicateAdmit
	}

	if c.active >= c.maxStreams {
		c.logger.Warn("stream limit reached, rejecting",
			"session_id", sessionID,
			"hardware_id", hardwareID,
			"active", c.active,
			"limit", c.maxStreams,
		)
		return false, ReasonStreamLimit
	}

	c.admissions[sessionID] = &streamAdmission{
		sessionID:  sessionID,
		hardwareID: hardwareID,
	}
	c.active++
	return true, ""
}

// CheckMessageRate records one intended emission and reports whether it is
// within the sliding-window cap. A session id that was never admitted is
// allowed through: rejecting it would turn a call-order bug elsewhere into
// a false negative for the user.
func (c *Controller) CheckMessageRate(sessionID string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	adm, ok := c.admissions[sessionID]
	if !ok {
		return true, ""
	}

	now := time.Now()
	adm.messageTimestamps = pruneBefore(adm.messageTimestamps, now.Add(-c.rateWindow))

	if len(adm.messageTimestamps) >= c.rateMax {
		c.logger.Warn("message rate limit reached",
			"session_id", sessionID,
			"hardware_id", adm.hardwareID,
			"window", c.rateWindow,
			"limit", c.rateMax,
		)
		return false, ReasonRateLimit
	}

	adm.messageTimestamps = append(adm.messageTimestamps, now)
	return true, ""
}

// ReleaseStream frees the slot held by the session. Idempotent: releasing an
// already-released or never-acquired session is a no-op.
func (c *Controller) ReleaseStream(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.admissions[sessionID]; !ok {
		return
	}
	delete(c.admissions, sessionID)
	c.active--
}

// ActiveStreams returns the number of currently admitted streams.
func (c *Controller) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// pruneBefore drops timestamps older than cutoff, preserving order.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
