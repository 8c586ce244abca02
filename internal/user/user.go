// Package user implements the ride-requesting clients: a roster loader,
// the per-user request agent with backup retry, and the end-of-run report.
package user

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hailgrid/internal/fabric"
	"hailgrid/internal/fleet"
	"hailgrid/internal/wire"
)

// Rider is one roster entry: where the user stands and how long they wait
// before hailing.
type Rider struct {
	ID   int
	PosX int
	PosY int
	Wait time.Duration
}

// Outcome is the result of one rider's request.
type Outcome struct {
	UserID   int
	TaxiID   int // 0 when no taxi was granted
	Assigned bool
	Response time.Duration
	Err      error
}

// Config drives a batch of riders against the dispatchers.
type Config struct {
	PrimaryEndpoint string
	BackupEndpoint  string

	ReplyTimeout time.Duration // per-dispatcher wait, defaults to 30s
	Clock        fleet.Clock
}

func (c *Config) applyDefaults() {
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = fleet.RealClock{}
	}
}

// Request sleeps out the rider's wait, then hails the primary dispatcher.
// When the primary does not answer within the reply timeout it retries the
// backup once; a second miss is a failed outcome, not an error loop.
func Request(ctx context.Context, cfg Config, r Rider) Outcome {
	cfg.applyDefaults()

	if r.Wait > 0 {
		select {
		case <-ctx.Done():
			return Outcome{UserID: r.ID, Err: ctx.Err()}
		case <-time.After(r.Wait):
		}
	}

	req := wire.UserRequest{UserID: r.ID, PosX: r.PosX, PosY: r.PosY}.Encode()
	start := cfg.Clock.Now()

	reply, err := fabric.RoundTrip(ctx, cfg.PrimaryEndpoint, req, cfg.ReplyTimeout)
	if err != nil {
		slog.Warn("primary dispatcher did not answer, retrying backup", "user", r.ID, "err", err)
		reply, err = fabric.RoundTrip(ctx, cfg.BackupEndpoint, req, cfg.ReplyTimeout)
	}
	elapsed := cfg.Clock.Now().Sub(start)
	if err != nil {
		return Outcome{UserID: r.ID, Response: elapsed, Err: fmt.Errorf("user %d: no dispatcher answered: %w", r.ID, err)}
	}

	switch {
	case reply == wire.MsgNoTaxiAvailable:
		slog.Info("no taxi available", "user", r.ID)
		return Outcome{UserID: r.ID, Response: elapsed}
	case reply == wire.MsgInvalidRequest:
		return Outcome{UserID: r.ID, Response: elapsed, Err: fmt.Errorf("user %d: dispatcher rejected request", r.ID)}
	}

	assign, perr := wire.ParseAssignTaxi(reply)
	if perr != nil {
		return Outcome{UserID: r.ID, Response: elapsed, Err: fmt.Errorf("user %d: unexpected reply %q", r.ID, reply)}
	}
	slog.Info("taxi assigned", "user", r.ID, "taxi", assign.TaxiID, "response", elapsed)
	return Outcome{UserID: r.ID, TaxiID: assign.TaxiID, Assigned: true, Response: elapsed}
}

// RunAll fires every rider concurrently and collects outcomes in roster
// order.
func RunAll(ctx context.Context, cfg Config, riders []Rider) []Outcome {
	outcomes := make([]Outcome, len(riders))
	var wg sync.WaitGroup
	for i, r := range riders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = Request(ctx, cfg, r)
		}()
	}
	wg.Wait()
	return outcomes
}

// Report aggregates a batch of outcomes.
type Report struct {
	Total       int
	Assigned    int
	Unassigned  int
	Errored     int
	AvgResponse time.Duration
}

// Summarize tallies outcomes. The average covers only answered requests.
func Summarize(outcomes []Outcome) Report {
	rep := Report{Total: len(outcomes)}
	var sum time.Duration
	answered := 0
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			rep.Errored++
			continue
		case o.Assigned:
			rep.Assigned++
		default:
			rep.Unassigned++
		}
		sum += o.Response
		answered++
	}
	if answered > 0 {
		rep.AvgResponse = sum / time.Duration(answered)
	}
	return rep
}

func (r Report) String() string {
	return fmt.Sprintf("%d requests: %d assigned, %d without taxi, %d failed, avg response %s",
		r.Total, r.Assigned, r.Unassigned, r.Errored, r.AvgResponse.Round(time.Millisecond))
}
