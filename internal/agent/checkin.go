package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emberbank/fleetrelay/pkg/identity"
	"github.com/emberbank/fleetrelay/pkg/protocol"
)

// checkInLoop retries the presence handshake on a fixed interval until the
// relay acknowledges it or the attempt budget runs out. Acknowledgement is
// persisted through the identity store, so an agent that was acknowledged in
// a previous run never checks in again. The attempt budget is process-wide:
// it survives reconnects, and once exhausted the loop never restarts.
type checkInLoop struct {
	send        func(protocol.DeviceEvent) error
	ident       *identity.Store
	descriptor  string
	platform    string
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	attempts  int
	exhausted bool
}

func newCheckInLoop(send func(protocol.DeviceEvent) error, ident *identity.Store, cfg DeviceConfig, logger *slog.Logger) *checkInLoop {
	return &checkInLoop{
		send:        send,
		ident:       ident,
		descriptor:  cfg.Descriptor,
		platform:    cfg.Platform,
		interval:    cfg.CheckInInterval.Duration,
		maxAttempts: cfg.MaxCheckInAttempts,
		logger:      logger.With("component", "checkin"),
	}
}

// Start launches the retry loop unless the check-in is already acknowledged
// or the process-wide attempt budget is spent. Calling Start while a loop is
// running replaces it; the attempt counter carries over.
func (c *checkInLoop) Start(ctx context.Context) {
	if c.ident.Acknowledged() {
		c.logger.Debug("check-in already acknowledged, skipping")
		return
	}

	c.mu.Lock()
	if c.exhausted {
		c.mu.Unlock()
		c.logger.Debug("check-in budget spent, not restarting")
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(loopCtx)
}

func (c *checkInLoop) run(ctx context.Context) {
	// First attempt fires immediately, then on the ticker.
	if !c.attempt() {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.ident.Acknowledged() {
				return
			}
			if !c.attempt() {
				return
			}
		}
	}
}

// attempt sends one check-in, charging the process-wide budget. It returns
// false once the budget is exhausted.
func (c *checkInLoop) attempt() bool {
	c.mu.Lock()
	if c.exhausted {
		c.mu.Unlock()
		return false
	}
	if c.attempts >= c.maxAttempts {
		c.exhausted = true
		spent := c.attempts
		c.mu.Unlock()
		c.logger.Error("check-in never acknowledged, giving up", "attempts", spent)
		return false
	}
	c.attempts++
	n := c.attempts
	c.mu.Unlock()

	ev := protocol.DeviceEvent{
		Event:     protocol.EventCheckIn,
		Timestamp: time.Now(),
	}
	payload := protocol.CheckIn{
		Descriptor: c.descriptor,
		Platform:   c.platform,
		Timestamp:  time.Now(),
	}
	var err error
	ev.Payload, err = marshalPayload(payload)
	if err == nil {
		err = c.send(ev)
	}
	if err != nil {
		c.logger.Warn("check-in attempt failed", "attempt", n, "error", err)
		return true
	}
	c.logger.Debug("check-in sent", "attempt", n)
	return true
}

// Acknowledge stops the retry loop and persists the acknowledgement.
// Duplicate acknowledgements are no-ops.
func (c *checkInLoop) Acknowledge() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	if err := c.ident.SetAcknowledged(); err != nil {
		c.logger.Warn("failed to persist acknowledgement", "error", err)
		return
	}
	c.logger.Info("check-in acknowledged")
}
