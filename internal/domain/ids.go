package domain

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TeamID identifies a tenant. Every core operation requires one.
type TeamID string

// String implements fmt.Stringer.
func (id TeamID) String() string { return string(id) }

// RequireTeam rejects an empty team identifier.
func RequireTeam(op string, teamID TeamID) error {
	if strings.TrimSpace(string(teamID)) == "" {
		return Validationf(op, "team_id is required")
	}
	return nil
}

// IDGenerator produces entity identifiers.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator issues time-ordered UUIDv7 identifiers, so lexical order
// follows creation order.
type UUIDGenerator struct{}

// NewID implements IDGenerator.
func (UUIDGenerator) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SequentialIDs is a deterministic generator for tests: prefix-000001, prefix-000002, ...
type SequentialIDs struct {
	Prefix string

	mu sync.Mutex
	n  int
}

// NewID implements IDGenerator.
func (g *SequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	prefix := g.Prefix
	if prefix == "" {
		prefix = "id"
	}
	return fmt.Sprintf("%s-%06d", prefix, g.n)
}

// Clock returns the current time.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// FixedClock returns a clock frozen at t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

// DateOnly truncates t to midnight UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
