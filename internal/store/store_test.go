package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"hailgrid/internal/fleet"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func registerTaxi(t *testing.T, st *Store, id, x, y int) {
	t.Helper()
	err := st.UpsertTaxi(fleet.Taxi{
		ID: id, PosX: x, PosY: y, Speed: 2,
		Status: fleet.StatusAvailable, Connected: true,
	})
	if err != nil {
		t.Fatalf("register taxi %d: %v", id, err)
	}
}

func TestUpsertTaxiIdempotent(t *testing.T) {
	st := openTestStore(t)
	registerTaxi(t, st, 1, 3, 4)
	registerTaxi(t, st, 1, 3, 4)

	taxis, err := st.ListTaxis()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(taxis) != 1 {
		t.Fatalf("got %d rows after double registration, want 1", len(taxis))
	}
}

func TestUpsertTaxiPreservesInitialPose(t *testing.T) {
	st := openTestStore(t)
	registerTaxi(t, st, 1, 3, 4)
	if err := st.SetTaxiPosition(1, 7, 8); err != nil {
		t.Fatalf("set position: %v", err)
	}

	// Re-registration after a crash reports the current pose, not the
	// starting one; the initial pose must survive it.
	registerTaxi(t, st, 1, 7, 8)

	taxi, found, err := st.GetTaxi(1)
	if err != nil || !found {
		t.Fatalf("get taxi: found=%v err=%v", found, err)
	}
	if taxi.InitialPosX != 3 || taxi.InitialPosY != 4 {
		t.Fatalf("initial pose = (%d, %d), want (3, 4)", taxi.InitialPosX, taxi.InitialPosY)
	}
	if taxi.PosX != 7 || taxi.PosY != 8 {
		t.Fatalf("pose = (%d, %d), want (7, 8)", taxi.PosX, taxi.PosY)
	}
}

func TestUpsertTaxiKeepsActiveAssignment(t *testing.T) {
	st := openTestStore(t)
	registerTaxi(t, st, 1, 0, 0)
	if err := st.InsertUserRequest(9, 1, 1, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := st.InsertAssignment(9, 1, fleet.AssignmentAssigned); err != nil {
		t.Fatal(err)
	}

	registerTaxi(t, st, 1, 0, 0)

	n, err := st.CountActiveAssignments(1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("active assignments = %d, want 1 after re-registration", n)
	}
}

func TestMutationsRejectUnknownTaxi(t *testing.T) {
	st := openTestStore(t)
	if err := st.SetTaxiPosition(99, 1, 1); !errors.Is(err, ErrUnknownTaxi) {
		t.Fatalf("SetTaxiPosition: want ErrUnknownTaxi, got %v", err)
	}
	if err := st.SetTaxiConnected(99, true); !errors.Is(err, ErrUnknownTaxi) {
		t.Fatalf("SetTaxiConnected: want ErrUnknownTaxi, got %v", err)
	}
}

func TestTryClaimTaxi(t *testing.T) {
	st := openTestStore(t)
	registerTaxi(t, st, 1, 0, 0)

	claimed, err := st.TryClaimTaxi(1)
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("first claim must win")
	}

	claimed, err = st.TryClaimTaxi(1)
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Fatal("second claim on a busy taxi must lose")
	}

	// Claiming flips busyness only; reachability is untouched.
	taxi, _, err := st.GetTaxi(1)
	if err != nil {
		t.Fatal(err)
	}
	if !taxi.Connected {
		t.Fatal("claim must not mark the taxi disconnected")
	}
	if taxi.Status != fleet.StatusUnavailable {
		t.Fatalf("status = %q, want unavailable", taxi.Status)
	}
}

func TestTryClaimTaxiRequiresConnected(t *testing.T) {
	st := openTestStore(t)
	registerTaxi(t, st, 1, 0, 0)
	if err := st.SetTaxiConnected(1, false); err != nil {
		t.Fatal(err)
	}

	claimed, err := st.TryClaimTaxi(1)
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Fatal("disconnected taxi must not be claimable")
	}
}

func TestTryClaimTaxiSingleWinner(t *testing.T) {
	st := openTestStore(t)
	registerTaxi(t, st, 1, 0, 0)

	const contenders = 16
	var wg sync.WaitGroup
	wins := make(chan bool, contenders)
	for range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := st.TryClaimTaxi(1)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for claimed := range wins {
		if claimed {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d contenders won the claim, want exactly 1", won)
	}
}

func TestCompleteServiceResetsToInitialPose(t *testing.T) {
	st := openTestStore(t)
	registerTaxi(t, st, 1, 3, 4)
	if err := st.InsertUserRequest(9, 1, 1, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := st.TryClaimTaxi(1); err != nil {
		t.Fatal(err)
	}
	if _, err := st.InsertAssignment(9, 1, fleet.AssignmentAssigned); err != nil {
		t.Fatal(err)
	}
	if err := st.SetTaxiPosition(1, 8, 9); err != nil {
		t.Fatal(err)
	}

	if err := st.CompleteService(1); err != nil {
		t.Fatalf("complete service: %v", err)
	}

	taxi, _, err := st.GetTaxi(1)
	if err != nil {
		t.Fatal(err)
	}
	if taxi.PosX != 3 || taxi.PosY != 4 {
		t.Fatalf("pose = (%d, %d), want initial (3, 4)", taxi.PosX, taxi.PosY)
	}
	if taxi.Status != fleet.StatusAvailable {
		t.Fatalf("status = %q, want available", taxi.Status)
	}
	n, err := st.CountActiveAssignments(1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("active assignments = %d, want 0 after completion", n)
	}
}

func TestCompleteServiceKeepsStoppedTaxiParked(t *testing.T) {
	st := openTestStore(t)
	registerTaxi(t, st, 1, 3, 4)
	if _, err := st.TryClaimTaxi(1); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkTaxiStopped(1); err != nil {
		t.Fatal(err)
	}

	if err := st.CompleteService(1); err != nil {
		t.Fatal(err)
	}

	taxi, _, err := st.GetTaxi(1)
	if err != nil {
		t.Fatal(err)
	}
	if taxi.Status != fleet.StatusUnavailable {
		t.Fatalf("stopped taxi status = %q, want unavailable", taxi.Status)
	}
	if !taxi.Stopped {
		t.Fatal("stopped flag must survive service completion")
	}
}

func TestListAvailableTaxisFiltersAndOrders(t *testing.T) {
	st := openTestStore(t)
	registerTaxi(t, st, 3, 0, 0)
	registerTaxi(t, st, 1, 0, 0)
	registerTaxi(t, st, 2, 0, 0)
	if _, err := st.TryClaimTaxi(2); err != nil {
		t.Fatal(err)
	}
	if err := st.SetTaxiConnected(3, false); err != nil {
		t.Fatal(err)
	}

	avail, err := st.ListAvailableTaxis()
	if err != nil {
		t.Fatal(err)
	}
	if len(avail) != 1 || avail[0].ID != 1 {
		t.Fatalf("available = %+v, want just taxi 1", avail)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	st := openTestStore(t)
	registerTaxi(t, st, 1, 0, 0)

	if _, found, err := st.LastHeartbeat(1); err != nil || found {
		t.Fatalf("fresh taxi: found=%v err=%v, want no heartbeat", found, err)
	}

	if err := st.RecordHeartbeat(1); err != nil {
		t.Fatal(err)
	}
	ts, found, err := st.LastHeartbeat(1)
	if err != nil || !found {
		t.Fatalf("after record: found=%v err=%v", found, err)
	}
	if ts.IsZero() {
		t.Fatal("heartbeat timestamp is zero")
	}

	all, err := st.LastHeartbeats()
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := all[1]; !ok || !got.Equal(ts) {
		t.Fatalf("LastHeartbeats()[1] = %v ok=%v, want %v", got, ok, ts)
	}
}
