// Package taxi implements the mobile taxi agent: registration with
// reconnect/failover, the random-walk position publisher, the heartbeat
// publisher, and the assignment subscriber.
package taxi

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"hailgrid/internal/check"
	"hailgrid/internal/fabric"
	"hailgrid/internal/fleet"
	"hailgrid/internal/grid"
	"hailgrid/internal/wire"
)

// State is the agent connection state.
type State uint8

const (
	StateDisconnected State = iota + 1
	StateConnectingPrimary
	StateConnectedPrimary
	StateConnectingBackup
	StateConnectedBackup
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnectingPrimary:
		return "connecting_primary"
	case StateConnectedPrimary:
		return "connected_primary"
	case StateConnectingBackup:
		return "connecting_backup"
	case StateConnectedBackup:
		return "connected_backup"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) transition(to State) State {
	ok := false
	switch s {
	case StateDisconnected:
		ok = to == StateConnectingPrimary
	case StateConnectingPrimary:
		ok = to == StateConnectedPrimary || to == StateConnectingBackup || to == StateStopped
	case StateConnectedPrimary:
		ok = to == StateConnectingPrimary || to == StateStopped
	case StateConnectingBackup:
		ok = to == StateConnectedBackup || to == StateConnectingPrimary || to == StateStopped
	case StateConnectedBackup:
		ok = to == StateConnectingBackup || to == StateConnectingPrimary || to == StateStopped
	case StateStopped:
	}
	check.Assertf(ok, "taxi state transition: %s -> %s", s, to)
	if !ok {
		return s
	}
	return to
}

// Endpoints are one dispatcher's client-facing channels.
type Endpoints struct {
	Registration string
	Positions    string
	Heartbeats   string
	Assignments  string
}

// Config describes one taxi agent.
type Config struct {
	ID    int
	Grid  grid.Grid
	PosX  int
	PosY  int
	Speed int

	Primary Endpoints
	Backup  Endpoints

	ConnectTimeout    time.Duration // reply wait per connect attempt
	ReconnectBackoff  time.Duration // pause between failed attempts
	PrimaryRetries    int           // consecutive failures before escalating
	PositionInterval  time.Duration
	HeartbeatInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 2 * time.Second
	}
	if c.PrimaryRetries <= 0 {
		c.PrimaryRetries = 5
	}
	if c.PositionInterval <= 0 {
		c.PositionInterval = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
}

// Agent is a running taxi. Three worker loops (positions, heartbeats,
// assignment subscription) share one socket set; a mutex plus condition
// variable park them while a reconnect rebuilds the sockets, so no send
// races a rebuild.
type Agent struct {
	cfg Config
	rng *rand.Rand

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	positions  zmq4.Socket
	heartbeats zmq4.Socket
	sub        zmq4.Socket
	gen        int // socket generation, bumped on every teardown
	onBackup   bool

	// Move-loop state, owned by the position goroutine.
	x, y       int
	moveTick   int
	offBorders bool
	stopped    bool

	assignments chan wire.Assignment
}

// New validates the start pose and speed against the grid.
func New(cfg Config, clock fleet.Clock) (*Agent, error) {
	cfg.applyDefaults()
	if !cfg.Grid.Contains(cfg.PosX, cfg.PosY) {
		return nil, fmt.Errorf("taxi %d: initial position (%d, %d) outside %dx%d grid",
			cfg.ID, cfg.PosX, cfg.PosY, cfg.Grid.Rows, cfg.Grid.Cols)
	}
	if !grid.ValidSpeed(cfg.Speed) {
		return nil, fmt.Errorf("taxi %d: invalid speed %d (valid: %v)", cfg.ID, cfg.Speed, grid.ValidSpeeds)
	}

	a := &Agent{
		cfg:         cfg,
		rng:         rand.New(rand.NewPCG(uint64(cfg.ID), uint64(clock.Now().UnixNano()))),
		state:       StateDisconnected,
		x:           cfg.PosX,
		y:           cfg.PosY,
		assignments: make(chan wire.Assignment, 8),
	}
	a.cond = sync.NewCond(&a.mu)
	return a, nil
}

// Assignments surfaces ride notifications received on the broadcast topic.
func (a *Agent) Assignments() <-chan wire.Assignment { return a.assignments }

// State reports the agent connection state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(to State) {
	a.mu.Lock()
	a.state = a.state.transition(to)
	a.mu.Unlock()
}

// Position reports the agent's current pose.
func (a *Agent) Position() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.x, a.y
}

// Run connects to a dispatcher and publishes until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	// Unpark any waiter when the context ends, so workers can observe it.
	stopWake := context.AfterFunc(ctx, func() { a.cond.Broadcast() })
	defer stopWake()

	if err := a.connect(ctx, false); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for name, loop := range map[string]func(context.Context){
		"positions":   a.positionLoop,
		"heartbeats":  a.heartbeatLoop,
		"assignments": a.assignmentLoop,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
			slog.Debug("taxi worker stopped", "taxi", a.cfg.ID, "worker", name)
		}()
	}
	wg.Wait()

	a.mu.Lock()
	a.closeSocketsLocked()
	a.mu.Unlock()
	return ctx.Err()
}

func (a *Agent) endpoints() Endpoints {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.onBackup {
		return a.cfg.Backup
	}
	return a.cfg.Primary
}

func (a *Agent) status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return fleet.StatusUnavailable
	}
	return fleet.StatusAvailable
}

// connect registers with the current target dispatcher, escalating to the
// backup after PrimaryRetries consecutive failures and alternating from
// there. On success it rebuilds the socket set toward the acked target
// and, on reconnect, replays the last known position (at-least-once).
func (a *Agent) connect(ctx context.Context, reconnect bool) error {
	if reconnect {
		slog.Warn("dispatcher unreachable, reconnecting", "taxi", a.cfg.ID)
	} else {
		slog.Info("connecting to dispatcher", "taxi", a.cfg.ID)
	}

	a.mu.Lock()
	onBackup := a.onBackup
	a.mu.Unlock()
	if onBackup {
		a.setState(StateConnectingBackup)
	} else {
		a.setState(StateConnectingPrimary)
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ep := a.endpoints()
		x, y := a.Position()
		req := wire.ConnectRequest{
			TaxiID: a.cfg.ID,
			PosX:   x,
			PosY:   y,
			Speed:  a.cfg.Speed,
			Status: a.status(),
		}
		reply, err := fabric.RoundTrip(ctx, ep.Registration, req.Encode(), a.cfg.ConnectTimeout)
		if err == nil {
			if reply == wire.MsgInvalidRequest {
				return fmt.Errorf("taxi %d: dispatcher rejected registration", a.cfg.ID)
			}
			ack, perr := wire.ParseConnectAck(reply)
			if perr == nil && ack.TaxiID == a.cfg.ID {
				return a.attach(ctx, ep, reconnect)
			}
			slog.Warn("unexpected registration reply", "taxi", a.cfg.ID, "reply", reply)
		}

		failures++
		slog.Warn("connect attempt failed", "taxi", a.cfg.ID, "attempt", failures, "endpoint", ep.Registration)
		if failures >= a.cfg.PrimaryRetries {
			failures = 0
			a.mu.Lock()
			a.onBackup = !a.onBackup
			toBackup := a.onBackup
			a.mu.Unlock()
			if toBackup {
				slog.Warn("escalating to backup dispatcher", "taxi", a.cfg.ID)
				a.setState(StateConnectingBackup)
			} else {
				slog.Info("retrying primary dispatcher", "taxi", a.cfg.ID)
				a.setState(StateConnectingPrimary)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.ReconnectBackoff):
		}
	}
}

// attach builds the socket set toward the acked dispatcher and wakes the
// parked workers.
func (a *Agent) attach(ctx context.Context, ep Endpoints, reconnect bool) error {
	positions, err := fabric.DialPush(ctx, ep.Positions)
	if err != nil {
		return err
	}
	heartbeats, err := fabric.DialPush(ctx, ep.Heartbeats)
	if err != nil {
		_ = positions.Close()
		return err
	}
	sub, err := fabric.DialSub(ctx, ep.Assignments, wire.AssignmentTopic(a.cfg.ID))
	if err != nil {
		_ = positions.Close()
		_ = heartbeats.Close()
		return err
	}

	a.mu.Lock()
	a.positions = positions
	a.heartbeats = heartbeats
	a.sub = sub
	a.gen++
	onBackup := a.onBackup
	a.cond.Broadcast()
	a.mu.Unlock()

	if onBackup {
		a.setState(StateConnectedBackup)
		slog.Info("connected to backup dispatcher", "taxi", a.cfg.ID)
	} else {
		a.setState(StateConnectedPrimary)
		slog.Info("connected to primary dispatcher", "taxi", a.cfg.ID)
	}

	if reconnect {
		x, y := a.Position()
		upd := wire.PositionUpdate{TaxiID: a.cfg.ID, PosX: x, PosY: y, Speed: a.cfg.Speed, Status: a.status()}
		if err := fabric.SendString(positions, upd.Encode()); err != nil {
			slog.Warn("replay last position", "taxi", a.cfg.ID, "err", err)
		} else {
			slog.Info("replayed last position", "taxi", a.cfg.ID, "x", x, "y", y)
		}
	}
	return nil
}

// sockets returns the current socket set, parking while a rebuild is in
// flight. ok is false once ctx ends.
func (a *Agent) sockets(ctx context.Context) (positions, heartbeats, sub zmq4.Socket, gen int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.positions == nil {
		if ctx.Err() != nil {
			return nil, nil, nil, 0, false
		}
		a.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil, nil, nil, 0, false
	}
	return a.positions, a.heartbeats, a.sub, a.gen, true
}

func (a *Agent) closeSocketsLocked() {
	for _, s := range []zmq4.Socket{a.positions, a.heartbeats, a.sub} {
		if s != nil {
			_ = s.Close()
		}
	}
	a.positions, a.heartbeats, a.sub = nil, nil, nil
}

// fault tears the socket set down and reconnects. The generation check
// makes concurrent reports from several workers collapse into one rebuild;
// retarget forces the next attempt onto the primary.
func (a *Agent) fault(ctx context.Context, gen int, retarget bool) {
	a.mu.Lock()
	if gen != a.gen || a.positions == nil {
		a.mu.Unlock()
		return
	}
	a.closeSocketsLocked()
	a.gen++
	if retarget {
		a.onBackup = false
	}
	a.mu.Unlock()

	if err := a.connect(ctx, true); err != nil && ctx.Err() == nil {
		slog.Error("reconnect failed", "taxi", a.cfg.ID, "err", err)
	}
}

// positionLoop advances the random walk each tick and publishes the pose.
// It halts for good once the taxi hits a border after having left all
// borders; heartbeats continue so the dispatcher keeps the row reachable.
func (a *Agent) positionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PositionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		positions, _, _, gen, ok := a.sockets(ctx)
		if !ok {
			return
		}

		stoppedNow := a.advance()
		x, y := a.Position()
		upd := wire.PositionUpdate{TaxiID: a.cfg.ID, PosX: x, PosY: y, Speed: a.cfg.Speed, Status: a.status()}
		if err := fabric.SendString(positions, upd.Encode()); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("publish position", "taxi", a.cfg.ID, "err", err)
			a.fault(ctx, gen, false)
			continue
		}
		slog.Debug("position published", "taxi", a.cfg.ID, "x", x, "y", y)

		if stoppedNow {
			a.setState(StateStopped)
			slog.Warn("taxi reached border, movement halted", "taxi", a.cfg.ID, "x", x, "y", y)
			return
		}

		// While served by the backup, try to fall back to the primary once
		// per tick. A fresh REQ probe keeps this off the steady send path.
		a.mu.Lock()
		onBackup := a.onBackup
		a.mu.Unlock()
		if onBackup {
			a.probePrimary(ctx, gen)
		}
	}
}

// advance moves the taxi one scheduler tick and reports whether this tick
// triggered the border stop.
func (a *Agent) advance() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}

	if !a.cfg.Grid.OnBorder(a.x, a.y) {
		a.offBorders = true
	}

	cells := grid.CellsPerTick(a.cfg.Speed, a.moveTick)
	a.moveTick++
	if cells > 0 {
		if dir, ok := a.cfg.Grid.RandomDirection(a.rng, a.x, a.y); ok {
			a.x, a.y = a.cfg.Grid.Step(a.x, a.y, cells, dir)
		}
	}

	if a.offBorders && a.cfg.Grid.OnBorder(a.x, a.y) {
		a.stopped = true
		return true
	}
	return false
}

// probePrimary checks whether the primary answers registrations again and
// retargets the socket set when it does.
func (a *Agent) probePrimary(ctx context.Context, gen int) {
	x, y := a.Position()
	req := wire.ConnectRequest{
		TaxiID: a.cfg.ID,
		PosX:   x,
		PosY:   y,
		Speed:  a.cfg.Speed,
		Status: a.status(),
	}
	reply, err := fabric.RoundTrip(ctx, a.cfg.Primary.Registration, req.Encode(), a.cfg.ConnectTimeout)
	if err != nil {
		return
	}
	if ack, perr := wire.ParseConnectAck(reply); perr != nil || ack.TaxiID != a.cfg.ID {
		return
	}
	slog.Info("primary dispatcher back, switching over", "taxi", a.cfg.ID)
	a.fault(ctx, gen, true)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	hb := wire.Heartbeat{TaxiID: a.cfg.ID}.Encode()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		heartbeatsSock, gen, ok := func() (zmq4.Socket, int, bool) {
			_, s, _, g, ok := a.sockets(ctx)
			return s, g, ok
		}()
		if !ok {
			return
		}
		if err := fabric.SendString(heartbeatsSock, hb); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("publish heartbeat", "taxi", a.cfg.ID, "err", err)
			a.fault(ctx, gen, false)
		}
	}
}

// assignmentLoop surfaces broadcasts for this taxi. Topic filtering is a
// prefix match, so the parsed id is re-checked before surfacing.
func (a *Agent) assignmentLoop(ctx context.Context) {
	for {
		_, _, sub, gen, ok := a.sockets(ctx)
		if !ok {
			return
		}

		msg, err := fabric.RecvString(sub)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// The rebuild that closed this socket already has a reconnect
			// running; parking in sockets() picks up the replacement.
			a.mu.Lock()
			stale := gen != a.gen
			a.mu.Unlock()
			if !stale {
				a.fault(ctx, gen, false)
			}
			continue
		}

		assignment, perr := wire.ParseAssignment(msg)
		if perr != nil || assignment.TaxiID != a.cfg.ID {
			continue
		}
		slog.Info("ride assigned", "taxi", a.cfg.ID, "user", assignment.UserID)
		select {
		case a.assignments <- assignment:
		default:
			slog.Warn("assignment channel full, dropping notification", "taxi", a.cfg.ID, "user", assignment.UserID)
		}
	}
}
