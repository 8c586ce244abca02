// Package dispatch implements the dispatcher: registration, position and
// heartbeat ingestion, user-request matching, liveness sweeping, and the
// passive/active backup controller.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"hailgrid/internal/fabric"
	"hailgrid/internal/fleet"
	"hailgrid/internal/grid"
	"hailgrid/internal/store"
	"hailgrid/internal/wire"
)

const defaultServiceWorkers = 4

// Config holds one dispatcher instance's grid, bind endpoints, and timings.
// An empty ProbeEndpoint skips binding the liveness-probe channel (the
// backup controller serves it on the dispatcher's behalf).
type Config struct {
	Grid grid.Grid

	RegistrationEndpoint string
	PositionEndpoint     string
	HeartbeatEndpoint    string
	AssignEndpoint       string
	UserRequestEndpoint  string
	ProbeEndpoint        string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ServiceDuration   time.Duration
	ServiceWorkers    int
}

// Addrs are the bound addresses of a running dispatcher, as dialable
// endpoints. Useful when binding ephemeral ports.
type Addrs struct {
	Registration string
	Positions    string
	Heartbeats   string
	Assignments  string
	UserRequests string
	Probe        string
}

// Dispatcher serves every client channel over one store.
type Dispatcher struct {
	cfg      Config
	store    *store.Store
	clock    fleet.Clock
	liveness *Liveness
	pool     *servicePool

	// assignMu serializes candidate scan + claim for one user request.
	assignMu sync.Mutex

	// pubMu guards the assignment publisher against concurrent teardown.
	pubMu sync.Mutex
	pub   zmq4.Socket

	ready chan struct{}
	addrs Addrs
}

func New(cfg Config, st *store.Store, clock fleet.Clock) *Dispatcher {
	if cfg.ServiceWorkers <= 0 {
		cfg.ServiceWorkers = defaultServiceWorkers
	}
	liveness := NewLiveness(clock)
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		clock:    clock,
		liveness: liveness,
		pool:     newServicePool(st, liveness),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once every channel is bound.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// Addrs reports the bound endpoints. Valid after Ready.
func (d *Dispatcher) Addrs() Addrs { return d.addrs }

// Liveness exposes the in-memory heartbeat view.
func (d *Dispatcher) Liveness() *Liveness { return d.liveness }

// Run binds all channels, hydrates the liveness view from the store, and
// serves until ctx is cancelled. Closing the sockets unblocks every
// handler, so teardown joins all workers before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	stamps, err := d.store.LastHeartbeats()
	if err != nil {
		return fmt.Errorf("hydrate liveness view: %w", err)
	}
	d.liveness.Hydrate(stamps)

	reg, err := fabric.ListenRep(ctx, d.cfg.RegistrationEndpoint)
	if err != nil {
		return err
	}
	userReq, err := fabric.ListenRep(ctx, d.cfg.UserRequestEndpoint)
	if err != nil {
		_ = reg.Close()
		return err
	}
	positions, err := fabric.ListenPull(ctx, d.cfg.PositionEndpoint)
	if err != nil {
		_ = reg.Close()
		_ = userReq.Close()
		return err
	}
	heartbeats, err := fabric.ListenPull(ctx, d.cfg.HeartbeatEndpoint)
	if err != nil {
		_ = reg.Close()
		_ = userReq.Close()
		_ = positions.Close()
		return err
	}
	pub, err := fabric.ListenPub(ctx, d.cfg.AssignEndpoint)
	if err != nil {
		_ = reg.Close()
		_ = userReq.Close()
		_ = positions.Close()
		_ = heartbeats.Close()
		return err
	}
	d.pubMu.Lock()
	d.pub = pub
	d.pubMu.Unlock()

	var probe zmq4.Socket
	if d.cfg.ProbeEndpoint != "" {
		probe, err = fabric.ListenRep(ctx, d.cfg.ProbeEndpoint)
		if err != nil {
			_ = reg.Close()
			_ = userReq.Close()
			_ = positions.Close()
			_ = heartbeats.Close()
			_ = pub.Close()
			return err
		}
	}

	d.addrs = Addrs{
		Registration: "tcp://" + fabric.Addr(reg),
		Positions:    "tcp://" + fabric.Addr(positions),
		Heartbeats:   "tcp://" + fabric.Addr(heartbeats),
		Assignments:  "tcp://" + fabric.Addr(pub),
		UserRequests: "tcp://" + fabric.Addr(userReq),
	}
	if probe != nil {
		d.addrs.Probe = "tcp://" + fabric.Addr(probe)
	}
	close(d.ready)
	slog.Info("dispatcher serving",
		"registration", d.addrs.Registration,
		"user_requests", d.addrs.UserRequests,
		"grid_rows", d.cfg.Grid.Rows, "grid_cols", d.cfg.Grid.Cols)

	var wg sync.WaitGroup
	start := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			slog.Debug("dispatcher worker stopped", "worker", name)
		}()
	}

	start("registration", func() { d.registrationLoop(ctx, reg) })
	start("user_requests", func() { d.userRequestLoop(ctx, userReq) })
	start("positions", func() { d.positionLoop(ctx, positions) })
	start("heartbeats", func() { d.heartbeatLoop(ctx, heartbeats) })
	start("sweep", func() { d.sweepLoop(ctx) })
	start("service_pool", func() { d.pool.run(ctx, d.cfg.ServiceWorkers) })
	if probe != nil {
		start("probe", func() { probeLoop(ctx, probe) })
	}

	<-ctx.Done()

	_ = reg.Close()
	_ = userReq.Close()
	_ = positions.Close()
	_ = heartbeats.Close()
	if probe != nil {
		_ = probe.Close()
	}
	d.pubMu.Lock()
	_ = d.pub.Close()
	d.pub = nil
	d.pubMu.Unlock()

	wg.Wait()
	return ctx.Err()
}

// recvOrDone reads the next frame, retrying transient transport faults so a
// single bad read cannot kill a handler. It reports false only once ctx
// ends or the socket is closed for shutdown.
func recvOrDone(ctx context.Context, sock zmq4.Socket, worker string) (string, bool) {
	for {
		msg, err := fabric.RecvString(sock)
		if err == nil {
			return msg, true
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
			return "", false
		}
		slog.Warn("dispatcher receive failed, retrying", "worker", worker, "err", err)
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (d *Dispatcher) registrationLoop(ctx context.Context, sock zmq4.Socket) {
	for {
		msg, ok := recvOrDone(ctx, sock, "registration")
		if !ok {
			return
		}

		reply := d.handleConnectRequest(msg)
		if err := fabric.SendString(sock, reply); err != nil {
			if ctx.Err() == nil {
				slog.Warn("send connect reply", "err", err)
			}
			return
		}
	}
}

func (d *Dispatcher) handleConnectRequest(msg string) string {
	req, err := wire.ParseConnectRequest(msg)
	if err != nil {
		slog.Warn("malformed connect request", "msg", msg)
		return wire.MsgInvalidRequest
	}
	if !d.cfg.Grid.Contains(req.PosX, req.PosY) || !grid.ValidSpeed(req.Speed) {
		slog.Warn("connect request out of range", "taxi", req.TaxiID, "x", req.PosX, "y", req.PosY, "speed", req.Speed)
		return wire.MsgInvalidRequest
	}

	_, known, err := d.store.GetTaxi(req.TaxiID)
	if err != nil {
		slog.Error("look up taxi", "taxi", req.TaxiID, "err", err)
		return wire.MsgInvalidRequest
	}

	// The agent does not track dispatcher-side rides, so a reconnect
	// mid-ride reports available. The claim must survive re-registration
	// or the taxi would be handed to a second user.
	status := req.Status
	if known {
		n, err := d.store.CountActiveAssignments(req.TaxiID)
		if err != nil {
			slog.Error("count active assignments", "taxi", req.TaxiID, "err", err)
			return wire.MsgInvalidRequest
		}
		if n > 0 {
			status = fleet.StatusUnavailable
		}
	}

	err = d.store.UpsertTaxi(fleet.Taxi{
		ID:        req.TaxiID,
		PosX:      req.PosX,
		PosY:      req.PosY,
		Speed:     req.Speed,
		Status:    status,
		Connected: true,
	})
	if err != nil {
		slog.Error("register taxi", "taxi", req.TaxiID, "err", err)
		return wire.MsgInvalidRequest
	}
	if err := d.store.RecordHeartbeat(req.TaxiID); err != nil {
		slog.Error("stamp registration heartbeat", "taxi", req.TaxiID, "err", err)
	}
	d.liveness.Seen(req.TaxiID)

	if known {
		slog.Info("taxi reconnected", "taxi", req.TaxiID, "x", req.PosX, "y", req.PosY)
	} else {
		slog.Info("taxi connected", "taxi", req.TaxiID, "x", req.PosX, "y", req.PosY, "speed", req.Speed)
	}
	return wire.ConnectAck{TaxiID: req.TaxiID}.Encode()
}

func (d *Dispatcher) userRequestLoop(ctx context.Context, sock zmq4.Socket) {
	for {
		msg, ok := recvOrDone(ctx, sock, "user_requests")
		if !ok {
			return
		}

		reply := d.handleUserRequest(msg)
		if err := fabric.SendString(sock, reply); err != nil {
			if ctx.Err() == nil {
				slog.Warn("send user reply", "err", err)
			}
			return
		}
	}
}

func (d *Dispatcher) handleUserRequest(msg string) string {
	req, err := wire.ParseUserRequest(msg)
	if err != nil {
		slog.Warn("malformed user request", "msg", msg)
		return wire.MsgInvalidRequest
	}
	slog.Info("ride request", "user", req.UserID, "x", req.PosX, "y", req.PosY)

	// The wire request does not carry the user's configured wait time.
	if err := d.store.InsertUserRequest(req.UserID, req.PosX, req.PosY, 0); err != nil {
		slog.Error("persist user request", "user", req.UserID, "err", err)
		return wire.MsgNoTaxiAvailable
	}

	taxiID, matched, err := d.match(req.UserID, req.PosX, req.PosY)
	if err != nil {
		slog.Error("match user request", "user", req.UserID, "err", err)
		return wire.MsgNoTaxiAvailable
	}
	if !matched {
		slog.Info("no taxi available", "user", req.UserID)
		return wire.MsgNoTaxiAvailable
	}

	d.pool.schedule(serviceJob{taxiID: taxiID, userID: req.UserID, delay: d.cfg.ServiceDuration})
	slog.Info("taxi assigned", "taxi", taxiID, "user", req.UserID)
	return wire.AssignTaxi{TaxiID: taxiID}.Encode()
}

// match claims the nearest available taxi for the user. Candidates are
// ordered by Manhattan distance with ties broken by taxi id; a claim lost
// to a concurrent request falls through to the next candidate. The
// assignment broadcast goes out inside the critical section so subscribers
// observe assignments in claim order.
func (d *Dispatcher) match(userID, x, y int) (int, bool, error) {
	d.assignMu.Lock()
	defer d.assignMu.Unlock()

	candidates, err := d.store.ListAvailableTaxis()
	if err != nil {
		return 0, false, err
	}
	sort.Slice(candidates, func(i, j int) bool {
		di := fleet.Manhattan(candidates[i].PosX, candidates[i].PosY, x, y)
		dj := fleet.Manhattan(candidates[j].PosX, candidates[j].PosY, x, y)
		if di != dj {
			return di < dj
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, cand := range candidates {
		claimed, err := d.store.TryClaimTaxi(cand.ID)
		if err != nil {
			return 0, false, err
		}
		if !claimed {
			slog.Debug("claim lost, trying next candidate", "taxi", cand.ID, "user", userID)
			continue
		}
		if _, err := d.store.InsertAssignment(userID, cand.ID, fleet.AssignmentAssigned); err != nil {
			// Return the claim: a taxi held unavailable without an
			// assignment row could never be released.
			if relErr := d.store.SetTaxiStatus(cand.ID, fleet.StatusAvailable); relErr != nil {
				slog.Error("release claim after failed assignment insert", "taxi", cand.ID, "err", relErr)
			}
			return 0, false, err
		}
		d.broadcastAssignment(cand.ID, userID)
		return cand.ID, true, nil
	}
	return 0, false, nil
}

// broadcastAssignment publishes on the assignment topic. Delivery is
// best-effort; the synchronous reply to the user is authoritative.
func (d *Dispatcher) broadcastAssignment(taxiID, userID int) {
	d.pubMu.Lock()
	defer d.pubMu.Unlock()
	if d.pub == nil {
		return
	}
	note := wire.Assignment{TaxiID: taxiID, UserID: userID}
	if err := fabric.SendString(d.pub, note.Encode()); err != nil {
		slog.Warn("broadcast assignment", "taxi", taxiID, "user", userID, "err", err)
	}
}

func (d *Dispatcher) positionLoop(ctx context.Context, sock zmq4.Socket) {
	for {
		msg, ok := recvOrDone(ctx, sock, "positions")
		if !ok {
			return
		}

		upd, err := wire.ParsePositionUpdate(msg)
		if err != nil {
			slog.Warn("malformed position update", "msg", msg)
			continue
		}
		taxi, found, err := d.store.GetTaxi(upd.TaxiID)
		if err != nil {
			slog.Error("look up taxi for position update", "taxi", upd.TaxiID, "err", err)
			continue
		}
		if !found || !taxi.Connected {
			slog.Warn("position update from unknown or disconnected taxi", "taxi", upd.TaxiID)
			continue
		}
		if !d.cfg.Grid.Contains(upd.PosX, upd.PosY) {
			slog.Warn("position update out of bounds", "taxi", upd.TaxiID, "x", upd.PosX, "y", upd.PosY)
			continue
		}

		if err := d.store.SetTaxiPosition(upd.TaxiID, upd.PosX, upd.PosY); err != nil {
			slog.Error("persist position", "taxi", upd.TaxiID, "err", err)
			continue
		}
		// A taxi reporting itself unavailable from the move loop has hit a
		// border: park it permanently.
		if upd.Status == fleet.StatusUnavailable && !taxi.Stopped {
			if err := d.store.MarkTaxiStopped(upd.TaxiID); err != nil {
				slog.Error("mark taxi stopped", "taxi", upd.TaxiID, "err", err)
			} else {
				slog.Info("taxi stopped at border", "taxi", upd.TaxiID, "x", upd.PosX, "y", upd.PosY)
			}
		}
		if err := d.store.RecordHeartbeat(upd.TaxiID); err != nil {
			slog.Error("stamp position heartbeat", "taxi", upd.TaxiID, "err", err)
		}
		d.liveness.Seen(upd.TaxiID)
		slog.Debug("position updated", "taxi", upd.TaxiID, "x", upd.PosX, "y", upd.PosY)
	}
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context, sock zmq4.Socket) {
	for {
		msg, ok := recvOrDone(ctx, sock, "heartbeats")
		if !ok {
			return
		}

		hb, err := wire.ParseHeartbeat(msg)
		if err != nil {
			slog.Warn("malformed heartbeat", "msg", msg)
			continue
		}
		_, found, err := d.store.GetTaxi(hb.TaxiID)
		if err != nil {
			slog.Error("look up taxi for heartbeat", "taxi", hb.TaxiID, "err", err)
			continue
		}
		if !found {
			slog.Warn("heartbeat from unknown taxi", "taxi", hb.TaxiID)
			continue
		}

		d.liveness.Seen(hb.TaxiID)
		if err := d.store.SetTaxiConnected(hb.TaxiID, true); err != nil {
			slog.Error("mark taxi connected", "taxi", hb.TaxiID, "err", err)
		}
		if err := d.store.RecordHeartbeat(hb.TaxiID); err != nil {
			slog.Error("record heartbeat", "taxi", hb.TaxiID, "err", err)
		}
	}
}

// sweepLoop marks taxis disconnected once their heartbeats go silent for
// longer than the timeout. Reconnection restores them.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range d.liveness.Expire(d.cfg.HeartbeatTimeout) {
				if err := d.store.SetTaxiConnected(id, false); err != nil && !errors.Is(err, store.ErrUnknownTaxi) {
					slog.Error("mark taxi disconnected", "taxi", id, "err", err)
					continue
				}
				slog.Warn("taxi disconnected, heartbeats silent", "taxi", id)
			}
		}
	}
}

// probeLoop answers the monitor's liveness probes.
func probeLoop(ctx context.Context, sock zmq4.Socket) {
	for {
		msg, ok := recvOrDone(ctx, sock, "probe")
		if !ok {
			return
		}

		reply := wire.MsgHeartbeatAck
		if msg != wire.MsgHeartbeatSrv {
			slog.Warn("unexpected probe message", "msg", msg)
			reply = wire.MsgInvalidRequest
		}
		if err := fabric.SendString(sock, reply); err != nil {
			if ctx.Err() == nil {
				slog.Warn("send probe reply", "err", err)
			}
			return
		}
	}
}
