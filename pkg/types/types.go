package types

import (
	"strings"
	"time"
)

// Difficulty is the ordered difficulty label attached to every match request.
// ARCHITECTURAL DISCOVERY: Ordering is carried by Rank, never by the label text,
// so Easy < Medium < Hard holds regardless of how the client spells it
type Difficulty string

const (
	DifficultyEasy   Difficulty = "Easy"
	DifficultyMedium Difficulty = "Medium"
	DifficultyHard   Difficulty = "Hard"
)

// Rank returns 1, 2 or 3 for a known difficulty and 0 otherwise.
func (d Difficulty) Rank() int {
	switch d {
	case DifficultyEasy:
		return 1
	case DifficultyMedium:
		return 2
	case DifficultyHard:
		return 3
	default:
		return 0
	}
}

// Valid reports whether d is one of the three known difficulties.
func (d Difficulty) Valid() bool {
	return d.Rank() > 0
}

// UnmarshalText normalizes case so "easy" and "EASY" decode to DifficultyEasy.
// Unknown labels are kept verbatim and rejected later by Validate.
func (d *Difficulty) UnmarshalText(text []byte) error {
	*d = normalizeDifficulty(string(text))
	return nil
}

// ParseDifficulty converts a client supplied label into a Difficulty.
func ParseDifficulty(s string) (Difficulty, error) {
	d := normalizeDifficulty(s)
	if !d.Valid() {
		return d, ErrInvalidDifficulty
	}
	return d, nil
}

func normalizeDifficulty(s string) Difficulty {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "easy":
		return DifficultyEasy
	case "medium":
		return DifficultyMedium
	case "hard":
		return DifficultyHard
	default:
		return Difficulty(s)
	}
}

// MatchRequest is a single pairing request.
// FUNCTIONAL DISCOVERY: Immutable after creation; the waiting pool owns it until
// it is consumed by exactly one of exact match, expiry or cancel
type MatchRequest struct {
	RequestID        string     `json:"request_id"`
	RequesterID      string     `json:"requester_id"`
	Category         string     `json:"category"`
	Difficulty       Difficulty `json:"difficulty"`
	CorrelationToken string     `json:"correlation_token"`
	SubmittedAt      time.Time  `json:"submitted_at"`
}

// Participant returns the routing identity of the requester.
func (r MatchRequest) Participant() Participant {
	return Participant{RequesterID: r.RequesterID, CorrelationToken: r.CorrelationToken}
}

// Participant identifies a requester and the reply channel that reaches them.
type Participant struct {
	RequesterID      string `json:"requester_id"`
	CorrelationToken string `json:"correlation_token"`
}

// OutcomeKind distinguishes the terminal states of a request.
type OutcomeKind string

const (
	OutcomePaired    OutcomeKind = "paired"
	OutcomeUnmatched OutcomeKind = "unmatched"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the single result produced when a request leaves the waiting pool.
// For OutcomePaired, A is the request that was already pooled (or the one whose
// timer expired) and B is its partner. B is nil for the other kinds.
type Outcome struct {
	Kind OutcomeKind   `json:"kind"`
	A    MatchRequest  `json:"a"`
	B    *MatchRequest `json:"b,omitempty"`
}

// Question is the content attached to a session by the allocator.
type Question struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Difficulty  Difficulty `json:"difficulty"`
}

// IsZero reports whether no question was attached.
func (q Question) IsZero() bool {
	return q.ID == ""
}
