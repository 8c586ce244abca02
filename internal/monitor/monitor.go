// Package monitor implements the failover prober: a standalone process
// that probes the primary dispatcher's liveness channel and tells the
// backup to take over or stand down. It is the single source of truth for
// which dispatcher serves; the dispatchers never negotiate directly.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hailgrid/internal/fabric"
	"hailgrid/internal/wire"
)

const (
	defaultInterval     = 5 * time.Second
	defaultReplyTimeout = 1 * time.Second
)

// Monitor probes the primary every Interval and flips the backup on the
// edges: the first failed probe activates it, the first success after a
// failure deactivates it. Steady states send nothing.
type Monitor struct {
	PrimaryEndpoint    string
	ActivationEndpoint string

	Interval     time.Duration
	ReplyTimeout time.Duration

	// ProbeFunc overrides the probe round-trip; tests inject failures here.
	ProbeFunc func(ctx context.Context) error
	// SignalFunc overrides the activation-channel send.
	SignalFunc func(msg string) error

	mu         sync.Mutex
	mainActive bool
}

// MainActive reports the monitor's view of the primary: false only while
// an activation signal has been delivered and no recovery has followed.
func (m *Monitor) MainActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mainActive
}

// Run probes until ctx is cancelled. The primary is presumed alive at
// start, so a healthy system emits no signals at all.
func (m *Monitor) Run(ctx context.Context) error {
	if m.Interval <= 0 {
		m.Interval = defaultInterval
	}
	if m.ReplyTimeout <= 0 {
		m.ReplyTimeout = defaultReplyTimeout
	}

	signal := m.SignalFunc
	if signal == nil {
		push, err := fabric.DialPush(ctx, m.ActivationEndpoint)
		if err != nil {
			return err
		}
		defer push.Close()
		signal = func(msg string) error { return fabric.SendString(push, msg) }
	}

	m.mu.Lock()
	m.mainActive = true
	m.mu.Unlock()

	m.tick(ctx, signal)

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx, signal)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, signal func(string) error) {
	err := m.probe(ctx)
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	wasActive := m.mainActive
	m.mu.Unlock()

	// The state only flips after the signal lands: a lost activation or
	// deactivation keeps the edge pending, so the next tick retries it.
	switch {
	case err != nil && wasActive:
		slog.Warn("primary dispatcher unreachable, activating backup", "err", err)
		if sigErr := signal(wire.MsgActivateBackup); sigErr != nil {
			slog.Error("signal backup activation", "err", sigErr)
			return
		}
		m.setMainActive(false)
	case err == nil && !wasActive:
		slog.Info("primary dispatcher recovered, deactivating backup")
		if sigErr := signal(wire.MsgDeactivateBackup); sigErr != nil {
			slog.Error("signal backup deactivation", "err", sigErr)
			return
		}
		m.setMainActive(true)
	}
}

func (m *Monitor) setMainActive(v bool) {
	m.mu.Lock()
	m.mainActive = v
	m.mu.Unlock()
}

func (m *Monitor) probe(ctx context.Context) error {
	if m.ProbeFunc != nil {
		return m.ProbeFunc(ctx)
	}
	reply, err := fabric.RoundTrip(ctx, m.PrimaryEndpoint, wire.MsgHeartbeatSrv, m.ReplyTimeout)
	if err != nil {
		return err
	}
	if reply != wire.MsgHeartbeatAck {
		return fmt.Errorf("unexpected probe reply %q", reply)
	}
	return nil
}
