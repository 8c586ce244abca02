// Package store persists the fleet: taxis, user requests, assignments, and
// heartbeat records. Primary and backup dispatchers share one store, which
// is the authoritative fleet view; dispatchers keep only a rebuilt-on-start
// liveness map in memory.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hailgrid/internal/fleet"

	_ "modernc.org/sqlite"
)

// ErrUnknownTaxi is returned by row mutations targeting an unregistered taxi.
var ErrUnknownTaxi = errors.New("unknown taxi")

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the fleet database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open fleet db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set fleet db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set fleet db busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize fleet schema: %w", err)
	}

	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS taxis (
	taxi_id INTEGER PRIMARY KEY,
	pos_x INTEGER NOT NULL,
	pos_y INTEGER NOT NULL,
	speed INTEGER NOT NULL,
	status TEXT NOT NULL,
	connected INTEGER NOT NULL DEFAULT 0,
	stopped INTEGER NOT NULL DEFAULT 0,
	initial_pos_x INTEGER NOT NULL,
	initial_pos_y INTEGER NOT NULL,
	last_updated TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	user_id INTEGER PRIMARY KEY,
	pos_x INTEGER NOT NULL,
	pos_y INTEGER NOT NULL,
	waiting_time INTEGER NOT NULL,
	request_time TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS assignments (
	assignment_id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(user_id),
	taxi_id INTEGER NOT NULL REFERENCES taxis(taxi_id),
	assignment_time TEXT NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS heartbeat (
	heartbeat_id INTEGER PRIMARY KEY AUTOINCREMENT,
	taxi_id INTEGER NOT NULL REFERENCES taxis(taxi_id),
	timestamp TEXT NOT NULL
)`

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// UpsertTaxi registers a taxi or refreshes an existing registration.
// Re-registration updates pose, speed, status, and connected, but never
// duplicates the row and never touches the initial pose, the stopped flag,
// or any in-flight assignment.
func (s *Store) UpsertTaxi(t fleet.Taxi) error {
	_, err := s.db.Exec(
		`INSERT INTO taxis (taxi_id, pos_x, pos_y, speed, status, connected, stopped, initial_pos_x, initial_pos_y, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT(taxi_id) DO UPDATE SET
		 pos_x = excluded.pos_x,
		 pos_y = excluded.pos_y,
		 speed = excluded.speed,
		 status = excluded.status,
		 connected = excluded.connected,
		 last_updated = excluded.last_updated`,
		t.ID, t.PosX, t.PosY, t.Speed, t.Status, boolInt(t.Connected), t.PosX, t.PosY, now(),
	)
	if err != nil {
		return fmt.Errorf("upsert taxi %d: %w", t.ID, err)
	}
	return nil
}

// SetTaxiPosition persists a pose report.
func (s *Store) SetTaxiPosition(id, x, y int) error {
	return s.mutateTaxi(id, `UPDATE taxis SET pos_x = ?, pos_y = ?, last_updated = ? WHERE taxi_id = ?`, x, y, now(), id)
}

// SetTaxiStatus sets the busy/free status.
func (s *Store) SetTaxiStatus(id int, status string) error {
	return s.mutateTaxi(id, `UPDATE taxis SET status = ?, last_updated = ? WHERE taxi_id = ?`, status, now(), id)
}

// SetTaxiConnected flips the reachability flag.
func (s *Store) SetTaxiConnected(id int, connected bool) error {
	return s.mutateTaxi(id, `UPDATE taxis SET connected = ?, last_updated = ? WHERE taxi_id = ?`, boolInt(connected), now(), id)
}

// MarkTaxiStopped records a border stop: the taxi stays registered but is
// unavailable and never returns to the pool.
func (s *Store) MarkTaxiStopped(id int) error {
	return s.mutateTaxi(id, `UPDATE taxis SET stopped = 1, status = ?, last_updated = ? WHERE taxi_id = ?`,
		fleet.StatusUnavailable, now(), id)
}

func (s *Store) mutateTaxi(id int, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update taxi %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update taxi %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("taxi %d: %w", id, ErrUnknownTaxi)
	}
	return nil
}

// TryClaimTaxi atomically transitions the taxi from available to
// unavailable, provided it is still connected. It reports false when the
// claim was lost to a concurrent request. Connected is left untouched:
// it tracks reachability, not busyness.
func (s *Store) TryClaimTaxi(id int) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE taxis SET status = ?, last_updated = ?
		 WHERE taxi_id = ? AND status = ? AND connected = 1`,
		fleet.StatusUnavailable, now(), id, fleet.StatusAvailable,
	)
	if err != nil {
		return false, fmt.Errorf("claim taxi %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim taxi %d: %w", id, err)
	}
	return n == 1, nil
}

// CompleteService returns a claimed taxi to the pool at its initial pose
// and closes its active assignment. A stopped taxi keeps its unavailable
// status.
func (s *Store) CompleteService(taxiID int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("complete service for taxi %d: %w", taxiID, err)
	}
	defer tx.Rollback()

	ts := now()
	if _, err := tx.Exec(
		`UPDATE taxis SET
		 pos_x = initial_pos_x,
		 pos_y = initial_pos_y,
		 status = CASE WHEN stopped = 1 THEN ? ELSE ? END,
		 last_updated = ?
		 WHERE taxi_id = ?`,
		fleet.StatusUnavailable, fleet.StatusAvailable, ts, taxiID,
	); err != nil {
		return fmt.Errorf("reset taxi %d: %w", taxiID, err)
	}
	if _, err := tx.Exec(
		`UPDATE assignments SET status = ? WHERE taxi_id = ? AND status = ?`,
		fleet.AssignmentCompleted, taxiID, fleet.AssignmentAssigned,
	); err != nil {
		return fmt.Errorf("close assignment for taxi %d: %w", taxiID, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO heartbeat (taxi_id, timestamp) VALUES (?, ?)`, taxiID, ts,
	); err != nil {
		return fmt.Errorf("stamp heartbeat for taxi %d: %w", taxiID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("complete service for taxi %d: %w", taxiID, err)
	}
	return nil
}

const taxiColumns = `taxi_id, pos_x, pos_y, speed, status, connected, stopped, initial_pos_x, initial_pos_y`

func scanTaxi(row interface{ Scan(...any) error }) (fleet.Taxi, error) {
	var t fleet.Taxi
	var connected, stopped int
	err := row.Scan(&t.ID, &t.PosX, &t.PosY, &t.Speed, &t.Status, &connected, &stopped, &t.InitialPosX, &t.InitialPosY)
	if err != nil {
		return fleet.Taxi{}, err
	}
	t.Connected = connected != 0
	t.Stopped = stopped != 0
	return t, nil
}

// GetTaxi fetches one taxi row.
func (s *Store) GetTaxi(id int) (fleet.Taxi, bool, error) {
	row := s.db.QueryRow(`SELECT `+taxiColumns+` FROM taxis WHERE taxi_id = ?`, id)
	t, err := scanTaxi(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fleet.Taxi{}, false, nil
		}
		return fleet.Taxi{}, false, fmt.Errorf("query taxi %d: %w", id, err)
	}
	return t, true, nil
}

// ListTaxis returns every registered taxi ordered by id.
func (s *Store) ListTaxis() ([]fleet.Taxi, error) {
	return s.listTaxis(`SELECT ` + taxiColumns + ` FROM taxis ORDER BY taxi_id`)
}

// ListAvailableTaxis returns the taxis eligible for a claim: available and
// connected, ordered by id so distance ties break deterministically.
func (s *Store) ListAvailableTaxis() ([]fleet.Taxi, error) {
	return s.listTaxis(
		`SELECT `+taxiColumns+` FROM taxis WHERE status = ? AND connected = 1 ORDER BY taxi_id`,
		fleet.StatusAvailable,
	)
}

func (s *Store) listTaxis(query string, args ...any) ([]fleet.Taxi, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list taxis: %w", err)
	}
	defer rows.Close()

	out := make([]fleet.Taxi, 0)
	for rows.Next() {
		t, err := scanTaxi(rows)
		if err != nil {
			return nil, fmt.Errorf("scan taxi row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate taxi rows: %w", err)
	}
	return out, nil
}

// InsertUserRequest records a ride request. Re-requests by the same user
// update the stored position.
func (s *Store) InsertUserRequest(userID, x, y, waitSeconds int) error {
	_, err := s.db.Exec(
		`INSERT INTO users (user_id, pos_x, pos_y, waiting_time, request_time)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		 pos_x = excluded.pos_x,
		 pos_y = excluded.pos_y,
		 waiting_time = excluded.waiting_time,
		 request_time = excluded.request_time`,
		userID, x, y, waitSeconds, now(),
	)
	if err != nil {
		return fmt.Errorf("insert user request %d: %w", userID, err)
	}
	return nil
}

// InsertAssignment creates an assignment row and returns its id.
func (s *Store) InsertAssignment(userID, taxiID int, status string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO assignments (user_id, taxi_id, assignment_time, status) VALUES (?, ?, ?, ?)`,
		userID, taxiID, now(), status,
	)
	if err != nil {
		return 0, fmt.Errorf("insert assignment user %d taxi %d: %w", userID, taxiID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert assignment user %d taxi %d: %w", userID, taxiID, err)
	}
	return id, nil
}

// ActiveAssignment returns the taxi's open assignment, if any.
func (s *Store) ActiveAssignment(taxiID int) (fleet.Assignment, bool, error) {
	var a fleet.Assignment
	var ts string
	err := s.db.QueryRow(
		`SELECT assignment_id, user_id, taxi_id, assignment_time, status
		 FROM assignments WHERE taxi_id = ? AND status = ?`,
		taxiID, fleet.AssignmentAssigned,
	).Scan(&a.ID, &a.UserID, &a.TaxiID, &ts, &a.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fleet.Assignment{}, false, nil
		}
		return fleet.Assignment{}, false, fmt.Errorf("query assignment for taxi %d: %w", taxiID, err)
	}
	a.AssignmentTime, _ = time.Parse(time.RFC3339Nano, ts)
	return a, true, nil
}

// CountActiveAssignments returns the number of open assignments for a taxi.
func (s *Store) CountActiveAssignments(taxiID int) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM assignments WHERE taxi_id = ? AND status = ?`,
		taxiID, fleet.AssignmentAssigned,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count assignments for taxi %d: %w", taxiID, err)
	}
	return n, nil
}

// RecordHeartbeat appends a heartbeat row for the taxi.
func (s *Store) RecordHeartbeat(taxiID int) error {
	_, err := s.db.Exec(`INSERT INTO heartbeat (taxi_id, timestamp) VALUES (?, ?)`, taxiID, now())
	if err != nil {
		return fmt.Errorf("record heartbeat for taxi %d: %w", taxiID, err)
	}
	return nil
}

// LastHeartbeat returns the most recent heartbeat timestamp for the taxi.
func (s *Store) LastHeartbeat(taxiID int) (time.Time, bool, error) {
	var ts sql.NullString
	err := s.db.QueryRow(`SELECT MAX(timestamp) FROM heartbeat WHERE taxi_id = ?`, taxiID).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last heartbeat for taxi %d: %w", taxiID, err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ts.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse heartbeat timestamp for taxi %d: %w", taxiID, err)
	}
	return t, true, nil
}

// LastHeartbeats returns the most recent heartbeat per taxi. Dispatchers
// hydrate their in-memory liveness view from it on start and on takeover.
func (s *Store) LastHeartbeats() (map[int]time.Time, error) {
	rows, err := s.db.Query(`SELECT taxi_id, MAX(timestamp) FROM heartbeat GROUP BY taxi_id`)
	if err != nil {
		return nil, fmt.Errorf("list last heartbeats: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var id int
		var ts string
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scan heartbeat row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			continue
		}
		out[id] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate heartbeat rows: %w", err)
	}
	return out, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
