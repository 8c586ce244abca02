package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-zeromq/zmq4"

	"hailgrid/internal/check"
	"hailgrid/internal/fabric"
	"hailgrid/internal/fleet"
	"hailgrid/internal/store"
	"hailgrid/internal/wire"
)

// Mode is the backup controller state.
type Mode uint8

const (
	ModePassive Mode = iota + 1
	ModeActive
)

func (m Mode) String() string {
	switch m {
	case ModePassive:
		return "passive"
	case ModeActive:
		return "active"
	default:
		return "unknown"
	}
}

func (m Mode) transition(to Mode) Mode {
	ok := (m == ModePassive && to == ModeActive) || (m == ModeActive && to == ModePassive)
	check.Assertf(ok, "backup mode transition: %s -> %s", m, to)
	if !ok {
		return m
	}
	return to
}

// Backup shadows the primary dispatcher. Passive, it polls only the
// activation channel and its own liveness-probe channel; on activate_backup
// it binds the public channels and runs the full handler set, rebuilding
// the liveness view from the shared store. deactivate_backup tears the
// handlers down again.
//
// The monitor is the single source of truth for activation; the backup
// never negotiates with the primary directly.
type Backup struct {
	// Dispatcher configures the handlers started on activation. Its
	// ProbeEndpoint should be empty: the controller serves the probe
	// channel itself so it answers in both modes.
	Dispatcher Config

	ActivationEndpoint string
	ProbeEndpoint      string

	Store *store.Store
	Clock fleet.Clock

	mu   sync.Mutex
	mode Mode
}

// Mode reports the current controller state.
func (b *Backup) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == 0 {
		return ModePassive
	}
	return b.mode
}

func (b *Backup) setMode(to Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == 0 {
		b.mode = ModePassive
	}
	b.mode = b.mode.transition(to)
}

// Run serves the activation channel until ctx is cancelled.
func (b *Backup) Run(ctx context.Context) error {
	b.mu.Lock()
	b.mode = ModePassive
	b.mu.Unlock()

	activation, err := fabric.ListenPull(ctx, b.ActivationEndpoint)
	if err != nil {
		return err
	}

	var probe zmq4.Socket
	if b.ProbeEndpoint != "" {
		probe, err = fabric.ListenRep(ctx, b.ProbeEndpoint)
		if err != nil {
			_ = activation.Close()
			return err
		}
		go probeLoop(ctx, probe)
	}

	slog.Info("backup dispatcher standing by", "activation", "tcp://"+fabric.Addr(activation))

	var (
		cancelActive context.CancelFunc
		activeDone   chan struct{}
	)
	stopActive := func() {
		if cancelActive == nil {
			return
		}
		cancelActive()
		<-activeDone
		cancelActive = nil
		activeDone = nil
	}

	for {
		msg, ok := recvOrDone(ctx, activation, "activation")
		if !ok {
			break
		}

		switch msg {
		case wire.MsgActivateBackup:
			if cancelActive != nil {
				slog.Debug("already active, ignoring activation signal")
				continue
			}
			slog.Warn("primary reported down, activating backup handlers")
			b.setMode(ModeActive)

			activeCtx, cancel := context.WithCancel(ctx)
			cancelActive = cancel
			activeDone = make(chan struct{})
			d := New(b.Dispatcher, b.Store, b.Clock)
			go func(done chan struct{}) {
				defer close(done)
				if err := d.Run(activeCtx); err != nil && activeCtx.Err() == nil {
					slog.Error("backup handlers failed", "err", err)
				}
			}(activeDone)

		case wire.MsgDeactivateBackup:
			if cancelActive == nil {
				slog.Debug("already passive, ignoring deactivation signal")
				continue
			}
			slog.Info("primary recovered, deactivating backup handlers")
			stopActive()
			b.setMode(ModePassive)

		default:
			slog.Warn("unknown activation message", "msg", msg)
		}
	}

	stopActive()
	_ = activation.Close()
	if probe != nil {
		_ = probe.Close()
	}
	return ctx.Err()
}
