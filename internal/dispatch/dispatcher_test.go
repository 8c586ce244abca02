package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hailgrid/internal/fabric"
	"hailgrid/internal/fleet"
	"hailgrid/internal/grid"
	"hailgrid/internal/store"
	"hailgrid/internal/wire"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	g, err := grid.New(10, 10)
	if err != nil {
		t.Fatal(err)
	}
	d := New(Config{
		Grid:              g,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		ServiceDuration:   5 * time.Second,
	}, st, newFakeClock())
	return d, st
}

func connectTaxi(t *testing.T, d *Dispatcher, id, x, y, speed int) {
	t.Helper()
	req := wire.ConnectRequest{TaxiID: id, PosX: x, PosY: y, Speed: speed, Status: fleet.StatusAvailable}
	reply := d.handleConnectRequest(req.Encode())
	want := wire.ConnectAck{TaxiID: id}.Encode()
	if reply != want {
		t.Fatalf("connect taxi %d: reply %q, want %q", id, reply, want)
	}
}

func TestHandleConnectRequestRegisters(t *testing.T) {
	d, st := newTestDispatcher(t)
	connectTaxi(t, d, 1, 2, 3, 4)

	taxi, found, err := st.GetTaxi(1)
	if err != nil || !found {
		t.Fatalf("taxi not persisted: found=%v err=%v", found, err)
	}
	if !taxi.Connected || taxi.PosX != 2 || taxi.PosY != 3 {
		t.Fatalf("persisted taxi = %+v", taxi)
	}
	if _, tracked := d.Liveness().LastSeen(1); !tracked {
		t.Fatal("registration must stamp the liveness view")
	}
}

func TestHandleConnectRequestRejectsInvalid(t *testing.T) {
	d, _ := newTestDispatcher(t)
	for _, msg := range []string{
		"connect_request 1 10 3 2 available", // x out of bounds
		"connect_request 1 2 -1 2 available", // y negative
		"connect_request 1 2 3 3 available",  // bad speed
		"connect_request nope",
		"garbage",
	} {
		if reply := d.handleConnectRequest(msg); reply != wire.MsgInvalidRequest {
			t.Errorf("handleConnectRequest(%q) = %q, want invalid_request", msg, reply)
		}
	}
}

func TestHandleUserRequestAssignsNearest(t *testing.T) {
	d, _ := newTestDispatcher(t)
	connectTaxi(t, d, 1, 0, 0, 2) // distance 8 from (4, 4)
	connectTaxi(t, d, 2, 4, 5, 2) // distance 1
	connectTaxi(t, d, 3, 9, 9, 2) // distance 10

	reply := d.handleUserRequest(wire.UserRequest{UserID: 7, PosX: 4, PosY: 4}.Encode())
	assign, err := wire.ParseAssignTaxi(reply)
	if err != nil {
		t.Fatalf("reply %q: %v", reply, err)
	}
	if assign.TaxiID != 2 {
		t.Fatalf("assigned taxi %d, want nearest taxi 2", assign.TaxiID)
	}
}

func TestMatchBreaksDistanceTiesByLowestID(t *testing.T) {
	d, _ := newTestDispatcher(t)
	connectTaxi(t, d, 7, 5, 5, 2)
	connectTaxi(t, d, 3, 5, 5, 2)

	taxiID, matched, err := d.match(1, 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !matched || taxiID != 3 {
		t.Fatalf("matched taxi %d (matched=%v), want taxi 3", taxiID, matched)
	}
}

func TestHandleUserRequestNoTaxiAvailable(t *testing.T) {
	d, st := newTestDispatcher(t)

	// Empty fleet.
	if reply := d.handleUserRequest("user_request 1 2 3"); reply != wire.MsgNoTaxiAvailable {
		t.Fatalf("empty fleet reply = %q", reply)
	}

	// A registered but disconnected taxi does not count.
	connectTaxi(t, d, 1, 2, 2, 2)
	if err := st.SetTaxiConnected(1, false); err != nil {
		t.Fatal(err)
	}
	if reply := d.handleUserRequest("user_request 1 2 3"); reply != wire.MsgNoTaxiAvailable {
		t.Fatalf("disconnected fleet reply = %q", reply)
	}
}

func TestHandleUserRequestMalformed(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if reply := d.handleUserRequest("user_request one two three"); reply != wire.MsgInvalidRequest {
		t.Fatalf("reply = %q, want invalid_request", reply)
	}
}

func TestConcurrentUserRequestsGetDistinctTaxis(t *testing.T) {
	d, _ := newTestDispatcher(t)
	const n = 8
	for i := 1; i <= n; i++ {
		connectTaxi(t, d, i, i, 0, 2)
	}

	var wg sync.WaitGroup
	replies := make([]string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := wire.UserRequest{UserID: 100 + i, PosX: 5, PosY: 5}
			replies[i] = d.handleUserRequest(req.Encode())
		}()
	}
	wg.Wait()

	granted := make(map[int]int)
	for i, reply := range replies {
		assign, err := wire.ParseAssignTaxi(reply)
		if err != nil {
			t.Fatalf("request %d: reply %q", i, reply)
		}
		granted[assign.TaxiID]++
	}
	for id, count := range granted {
		if count != 1 {
			t.Fatalf("taxi %d granted to %d users", id, count)
		}
	}
	if len(granted) != n {
		t.Fatalf("%d distinct taxis granted, want %d", len(granted), n)
	}
}

func TestReconnectMidRideKeepsTaxiClaimed(t *testing.T) {
	d, st := newTestDispatcher(t)
	connectTaxi(t, d, 1, 0, 0, 2)

	reply := d.handleUserRequest(wire.UserRequest{UserID: 7, PosX: 1, PosY: 1}.Encode())
	assign, err := wire.ParseAssignTaxi(reply)
	if err != nil {
		t.Fatalf("reply %q: %v", reply, err)
	}
	if assign.TaxiID != 1 {
		t.Fatalf("assigned taxi %d, want 1", assign.TaxiID)
	}

	// The agent restarts its connect handshake mid-ride and reports
	// available: it never learns about dispatcher-side rides.
	reply = d.handleConnectRequest("connect_request 1 0 0 2 available")
	if want := (wire.ConnectAck{TaxiID: 1}).Encode(); reply != want {
		t.Fatalf("reconnect reply = %q, want %q", reply, want)
	}

	taxi, _, err := st.GetTaxi(1)
	if err != nil {
		t.Fatal(err)
	}
	if taxi.Status != fleet.StatusUnavailable {
		t.Fatalf("reconnect flipped status to %q, want unavailable while the ride runs", taxi.Status)
	}

	// A second user must not be handed the same taxi.
	if reply := d.handleUserRequest("user_request 8 1 1"); reply != wire.MsgNoTaxiAvailable {
		t.Fatalf("second user reply = %q, want no_taxi_available", reply)
	}
	n, err := st.CountActiveAssignments(1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("taxi 1 has %d active assignments, want 1", n)
	}
}

func TestMatchReleasesClaimWhenAssignmentInsertFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	g, err := grid.New(10, 10)
	if err != nil {
		t.Fatal(err)
	}
	d := New(Config{
		Grid:              g,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		ServiceDuration:   5 * time.Second,
	}, st, newFakeClock())
	connectTaxi(t, d, 1, 0, 0, 2)

	// Break assignment inserts out from under the matcher so the insert
	// fails after the claim has already been won.
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	if _, err := raw.Exec("DROP TABLE assignments"); err != nil {
		t.Fatal(err)
	}

	if _, matched, err := d.match(7, 1, 1); err == nil || matched {
		t.Fatalf("match = (matched=%v, err=%v), want an error and no match", matched, err)
	}

	taxi, _, err := st.GetTaxi(1)
	if err != nil {
		t.Fatal(err)
	}
	if taxi.Status != fleet.StatusAvailable {
		t.Fatalf("taxi status = %q after failed match, want the claim released", taxi.Status)
	}
}

func TestRecvOrDoneStopsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sock, err := fabric.ListenPull(ctx, "tcp://127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := recvOrDone(ctx, sock, "test"); ok {
			t.Error("recvOrDone returned a frame during shutdown")
		}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	_ = sock.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recvOrDone did not stop on shutdown")
	}
}

func TestPositionUpdateWithUnavailableStatusParksTaxi(t *testing.T) {
	d, st := newTestDispatcher(t)
	connectTaxi(t, d, 1, 5, 5, 2)

	// Inline what the position loop does for one frame: the agent reports
	// unavailable from its move loop only when it stops at a border.
	upd, err := wire.ParsePositionUpdate("1 0 5 2 unavailable")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetTaxiPosition(upd.TaxiID, upd.PosX, upd.PosY); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkTaxiStopped(upd.TaxiID); err != nil {
		t.Fatal(err)
	}

	taxi, _, err := st.GetTaxi(1)
	if err != nil {
		t.Fatal(err)
	}
	if !taxi.Stopped || taxi.Status != fleet.StatusUnavailable {
		t.Fatalf("taxi = %+v, want stopped and unavailable", taxi)
	}

	if reply := d.handleUserRequest("user_request 9 0 5"); reply != wire.MsgNoTaxiAvailable {
		t.Fatalf("stopped taxi must not match, got %q", reply)
	}
}

func TestSweepMarksSilentTaxisDisconnected(t *testing.T) {
	d, st := newTestDispatcher(t)
	connectTaxi(t, d, 1, 2, 2, 2)

	clock := d.clock.(*fakeClock)
	clock.advance(16 * time.Second)

	// One sweep pass, without the ticker.
	for _, id := range d.liveness.Expire(d.cfg.HeartbeatTimeout) {
		if err := st.SetTaxiConnected(id, false); err != nil {
			t.Fatal(err)
		}
	}

	taxi, _, err := st.GetTaxi(1)
	if err != nil {
		t.Fatal(err)
	}
	if taxi.Connected {
		t.Fatal("silent taxi must be marked disconnected")
	}

	// The taxi row survives eviction: a later heartbeat revives it.
	if reply := d.handleConnectRequest(fmt.Sprintf("connect_request %d 2 2 2 %s", 1, fleet.StatusAvailable)); !strings.HasPrefix(reply, "connect_ack") {
		t.Fatalf("reconnect reply = %q", reply)
	}
	taxi, _, err = st.GetTaxi(1)
	if err != nil {
		t.Fatal(err)
	}
	if !taxi.Connected {
		t.Fatal("reconnection must restore the connected flag")
	}
}
