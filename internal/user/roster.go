package user

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadRoster parses a rider file. Each non-empty line carries four
// integers, separated by whitespace or commas:
//
//	<user_id> <pos_x> <pos_y> <wait_seconds>
//
// Lines starting with # are skipped.
func LoadRoster(path string) ([]Rider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()

	var riders []Rider
	seen := make(map[int]int)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ','
		})
		if len(fields) != 4 {
			return nil, fmt.Errorf("roster line %d: want 4 fields, got %d", line, len(fields))
		}
		vals := make([]int, 4)
		for i, field := range fields {
			v, err := strconv.Atoi(field)
			if err != nil {
				return nil, fmt.Errorf("roster line %d: %q is not an integer", line, field)
			}
			vals[i] = v
		}
		if vals[3] < 0 {
			return nil, fmt.Errorf("roster line %d: negative wait %d", line, vals[3])
		}
		if prev, dup := seen[vals[0]]; dup {
			return nil, fmt.Errorf("roster line %d: duplicate user id %d (first on line %d)", line, vals[0], prev)
		}
		seen[vals[0]] = line

		riders = append(riders, Rider{
			ID:   vals[0],
			PosX: vals[1],
			PosY: vals[2],
			Wait: time.Duration(vals[3]) * time.Second,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return riders, nil
}
