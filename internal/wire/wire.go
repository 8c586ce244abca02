// Package wire encodes and decodes the ASCII frame protocol spoken between
// agents, dispatchers, and the monitor. Every frame is a line of
// space-separated decimal integers and keywords; the leading keyword (or,
// for position updates, the token count) disambiguates.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"hailgrid/internal/fleet"
)

// Fixed single-token frames.
const (
	MsgInvalidRequest   = "invalid_request"
	MsgNoTaxiAvailable  = "no_taxi_available"
	MsgHeartbeatSrv     = "heartbeat_srv"
	MsgHeartbeatAck     = "heartbeat_ack"
	MsgActivateBackup   = "activate_backup"
	MsgDeactivateBackup = "deactivate_backup"
)

// ErrMalformed marks frames that do not parse. REQ/REP handlers answer
// invalid_request on it; PUSH/PULL handlers drop and log.
var ErrMalformed = errors.New("malformed message")

// ConnectRequest registers or re-registers a taxi.
type ConnectRequest struct {
	TaxiID int
	PosX   int
	PosY   int
	Speed  int
	Status string
}

func (m ConnectRequest) Encode() string {
	return fmt.Sprintf("connect_request %d %d %d %d %s", m.TaxiID, m.PosX, m.PosY, m.Speed, m.Status)
}

// ParseConnectRequest decodes "connect_request <tid> <x> <y> <speed> <status>".
func ParseConnectRequest(s string) (ConnectRequest, error) {
	parts := strings.Fields(s)
	if len(parts) != 6 || parts[0] != "connect_request" {
		return ConnectRequest{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	nums, err := ints(parts[1:5])
	if err != nil {
		return ConnectRequest{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	status, err := parseStatus(parts[5])
	if err != nil {
		return ConnectRequest{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return ConnectRequest{TaxiID: nums[0], PosX: nums[1], PosY: nums[2], Speed: nums[3], Status: status}, nil
}

// ConnectAck acknowledges a registration.
type ConnectAck struct {
	TaxiID int
}

func (m ConnectAck) Encode() string { return fmt.Sprintf("connect_ack %d", m.TaxiID) }

func ParseConnectAck(s string) (ConnectAck, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 || parts[0] != "connect_ack" {
		return ConnectAck{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return ConnectAck{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return ConnectAck{TaxiID: id}, nil
}

// PositionUpdate is the fire-and-forget taxi pose report. Unlike the other
// frames it has no keyword: five tokens, the first four numeric.
type PositionUpdate struct {
	TaxiID int
	PosX   int
	PosY   int
	Speed  int
	Status string
}

func (m PositionUpdate) Encode() string {
	return fmt.Sprintf("%d %d %d %d %s", m.TaxiID, m.PosX, m.PosY, m.Speed, m.Status)
}

func ParsePositionUpdate(s string) (PositionUpdate, error) {
	parts := strings.Fields(s)
	if len(parts) != 5 {
		return PositionUpdate{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	nums, err := ints(parts[:4])
	if err != nil {
		return PositionUpdate{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	status, err := parseStatus(parts[4])
	if err != nil {
		return PositionUpdate{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return PositionUpdate{TaxiID: nums[0], PosX: nums[1], PosY: nums[2], Speed: nums[3], Status: status}, nil
}

// Heartbeat is the taxi liveness token.
type Heartbeat struct {
	TaxiID int
}

func (m Heartbeat) Encode() string { return fmt.Sprintf("heartbeat %d", m.TaxiID) }

func ParseHeartbeat(s string) (Heartbeat, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 || parts[0] != "heartbeat" {
		return Heartbeat{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return Heartbeat{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return Heartbeat{TaxiID: id}, nil
}

// UserRequest asks for the nearest available taxi.
type UserRequest struct {
	UserID int
	PosX   int
	PosY   int
}

func (m UserRequest) Encode() string {
	return fmt.Sprintf("user_request %d %d %d", m.UserID, m.PosX, m.PosY)
}

func ParseUserRequest(s string) (UserRequest, error) {
	parts := strings.Fields(s)
	if len(parts) != 4 || parts[0] != "user_request" {
		return UserRequest{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	nums, err := ints(parts[1:])
	if err != nil {
		return UserRequest{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return UserRequest{UserID: nums[0], PosX: nums[1], PosY: nums[2]}, nil
}

// AssignTaxi is the synchronous success reply to a user request.
type AssignTaxi struct {
	TaxiID int
}

func (m AssignTaxi) Encode() string { return fmt.Sprintf("assign_taxi %d", m.TaxiID) }

func ParseAssignTaxi(s string) (AssignTaxi, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 || parts[0] != "assign_taxi" {
		return AssignTaxi{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return AssignTaxi{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return AssignTaxi{TaxiID: id}, nil
}

// Assignment is the broadcast notification on the assignment topic.
type Assignment struct {
	TaxiID int
	UserID int
}

func (m Assignment) Encode() string { return fmt.Sprintf("assign %d %d", m.TaxiID, m.UserID) }

// Topic returns the subscription prefix for a taxi. Prefix filtering means
// "assign 1" also matches "assign 10 ..."; subscribers must re-check the
// parsed taxi id.
func AssignmentTopic(taxiID int) string { return fmt.Sprintf("assign %d", taxiID) }

func ParseAssignment(s string) (Assignment, error) {
	parts := strings.Fields(s)
	if len(parts) != 3 || parts[0] != "assign" {
		return Assignment{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	nums, err := ints(parts[1:])
	if err != nil {
		return Assignment{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return Assignment{TaxiID: nums[0], UserID: nums[1]}, nil
}

func ints(tokens []string) ([]int, error) {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// parseStatus normalizes a wire status token. Agents historically sent
// capitalized statuses, so matching is case-insensitive.
func parseStatus(tok string) (string, error) {
	switch strings.ToLower(tok) {
	case fleet.StatusAvailable:
		return fleet.StatusAvailable, nil
	case fleet.StatusUnavailable:
		return fleet.StatusUnavailable, nil
	default:
		return "", fmt.Errorf("unknown status %q", tok)
	}
}
