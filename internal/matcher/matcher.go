// Package matcher owns the waiting pool and decides every pairing.
package matcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"matchboard/internal/logx"
	"matchboard/pkg/types"
)

// DefaultWindow is how long a request waits for an exact partner before the
// nearest-difficulty fallback runs.
const DefaultWindow = 30 * time.Second

// OutcomeHandler receives every terminal outcome exactly once. It is invoked
// after the pool lock is released and may block.
type OutcomeHandler func(types.Outcome)

// Trigger names what consumed a request.
type Trigger string

const (
	TriggerArrival Trigger = "arrival"
	TriggerExpiry  Trigger = "expiry"
	TriggerCancel  Trigger = "cancel"
)

// CancelResult reports whether a cancel removed anything.
type CancelResult int

const (
	NotPending CancelResult = iota
	Cancelled
)

func (r CancelResult) String() string {
	if r == Cancelled {
		return "cancelled"
	}
	return "not_pending"
}

// Config tunes the matcher.
type Config struct {
	Window time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Pending    int            `json:"pending"`
	ByCategory map[string]int `json:"by_category"`
}

type entry struct {
	req   types.MatchRequest
	timer *time.Timer
}

// Matcher is the single writer of the waiting pool.
// ARCHITECTURAL DISCOVERY: Removal from the pool is the only state transition.
// Exact match, expiry and cancel all remove under the same mutex, so whichever
// gets there first consumes the request and the others observe absence.
type Matcher struct {
	mu      sync.Mutex
	entries map[string]*entry // requestID -> entry
	tokens  map[string]string // correlation token -> requestID
	owners  map[string]string // requesterID -> requestID
	closed  bool

	window    time.Duration
	onOutcome func(types.Outcome, Trigger)
	now       func() time.Time
	newID     func() string
	logger    zerolog.Logger
}

// New creates a matcher that reports outcomes to handler.
func New(cfg Config, handler OutcomeHandler) (*Matcher, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	return NewWithTrigger(cfg, func(o types.Outcome, _ Trigger) { handler(o) })
}

// NewWithTrigger is New for callers that also want to know which trigger
// produced each outcome.
func NewWithTrigger(cfg Config, handler func(types.Outcome, Trigger)) (*Matcher, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Matcher{
		entries:   make(map[string]*entry),
		tokens:    make(map[string]string),
		owners:    make(map[string]string),
		window:    window,
		onOutcome: handler,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logx.Component("matcher"),
	}, nil
}

// Submit validates and admits a request. When an identical category and
// difficulty entry is already waiting, the oldest one is consumed and the pair
// is returned immediately without pooling the newcomer; otherwise the request
// is pooled with its own expiry timer and a nil outcome is returned.
// Either way the outcome, if any, is also delivered to the handler.
func (m *Matcher) Submit(ctx context.Context, msg *types.MatchRequested) (types.MatchRequest, *types.Outcome, error) {
	if err := msg.Validate(); err != nil {
		return types.MatchRequest{}, nil, err
	}
	if err := ctx.Err(); err != nil {
		return types.MatchRequest{}, nil, err
	}

	req := types.MatchRequest{
		RequestID:        m.newID(),
		RequesterID:      msg.RequesterID,
		Category:         msg.Category,
		Difficulty:       msg.Difficulty,
		CorrelationToken: msg.CorrelationToken,
		SubmittedAt:      m.now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.MatchRequest{}, nil, ErrMatcherClosed
	}
	if _, exists := m.owners[req.RequesterID]; exists {
		m.mu.Unlock()
		return types.MatchRequest{}, nil, ErrAlreadyPending
	}
	if _, exists := m.tokens[req.CorrelationToken]; exists {
		m.mu.Unlock()
		return types.MatchRequest{}, nil, ErrAlreadyPending
	}

	if partner := m.findExactLocked(req); partner != nil {
		m.removeLocked(partner)
		m.mu.Unlock()

		pooled := partner.req
		arrived := req
		outcome := types.Outcome{Kind: types.OutcomePaired, A: pooled, B: &arrived}
		m.logger.Info().
			Str("request_id", req.RequestID).
			Str("partner_request_id", pooled.RequestID).
			Str("category", req.Category).
			Str("difficulty", string(req.Difficulty)).
			Msg("exact match on arrival")
		m.onOutcome(outcome, TriggerArrival)
		return req, &outcome, nil
	}

	e := &entry{req: req}
	m.entries[req.RequestID] = e
	m.tokens[req.CorrelationToken] = req.RequestID
	m.owners[req.RequesterID] = req.RequestID
	requestID := req.RequestID
	e.timer = time.AfterFunc(m.window, func() { m.expire(requestID) })
	m.mu.Unlock()

	m.logger.Debug().
		Str("request_id", req.RequestID).
		Str("requester_id", req.RequesterID).
		Str("category", req.Category).
		Str("difficulty", string(req.Difficulty)).
		Dur("window", m.window).
		Msg("request pooled")
	return req, nil, nil
}

// Cancel withdraws a pooled request. A request that was already consumed is a
// silent NotPending with a nil error.
func (m *Matcher) Cancel(requestID string) CancelResult {
	m.mu.Lock()
	e, exists := m.entries[requestID]
	if !exists {
		m.mu.Unlock()
		return NotPending
	}
	m.removeLocked(e)
	m.mu.Unlock()

	m.logger.Info().Str("request_id", requestID).Msg("request cancelled")
	m.onOutcome(types.Outcome{Kind: types.OutcomeCancelled, A: e.req}, TriggerCancel)
	return Cancelled
}

// CancelByToken withdraws whatever request is pooled under token.
func (m *Matcher) CancelByToken(token string) CancelResult {
	m.mu.Lock()
	requestID, exists := m.tokens[token]
	m.mu.Unlock()
	if !exists {
		return NotPending
	}
	// The entry may be consumed between the two critical sections; Cancel
	// re-checks presence under the lock.
	return m.Cancel(requestID)
}

// expire runs on the request's timer goroutine.
func (m *Matcher) expire(requestID string) {
	m.mu.Lock()
	e, exists := m.entries[requestID]
	if !exists {
		// Consumed by exact match or cancel after the timer fired.
		m.mu.Unlock()
		return
	}
	m.removeLocked(e)

	var outcome types.Outcome
	if candidate := m.findFallbackLocked(e.req); candidate != nil {
		m.removeLocked(candidate)
		partner := candidate.req
		outcome = types.Outcome{Kind: types.OutcomePaired, A: e.req, B: &partner}
	} else {
		outcome = types.Outcome{Kind: types.OutcomeUnmatched, A: e.req}
	}
	m.mu.Unlock()

	event := m.logger.Info().Str("request_id", requestID).Str("category", e.req.Category)
	if outcome.B != nil {
		event.Str("partner_request_id", outcome.B.RequestID).
			Str("partner_difficulty", string(outcome.B.Difficulty)).
			Msg("fallback match on expiry")
	} else {
		event.Msg("request expired unmatched")
	}
	m.onOutcome(outcome, TriggerExpiry)
}

// findExactLocked returns the oldest entry with identical category and difficulty.
func (m *Matcher) findExactLocked(req types.MatchRequest) *entry {
	var best *entry
	for _, e := range m.entries {
		if e.req.Category != req.Category || e.req.Difficulty != req.Difficulty {
			continue
		}
		if best == nil || older(e.req, best.req) {
			best = e
		}
	}
	return best
}

// findFallbackLocked picks, among same-category entries, the one with the
// smallest rank distance, then the earliest submission, then the smallest id.
func (m *Matcher) findFallbackLocked(expired types.MatchRequest) *entry {
	rank := expired.Difficulty.Rank()
	var best *entry
	bestDistance := 0
	for _, e := range m.entries {
		if e.req.Category != expired.Category {
			continue
		}
		distance := abs(e.req.Difficulty.Rank() - rank)
		if best == nil || distance < bestDistance || (distance == bestDistance && older(e.req, best.req)) {
			best = e
			bestDistance = distance
		}
	}
	return best
}

// removeLocked is the single consumption point; it disarms the timer.
func (m *Matcher) removeLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.entries, e.req.RequestID)
	if m.tokens[e.req.CorrelationToken] == e.req.RequestID {
		delete(m.tokens, e.req.CorrelationToken)
	}
	if m.owners[e.req.RequesterID] == e.req.RequestID {
		delete(m.owners, e.req.RequesterID)
	}
}

// Size returns the number of pooled requests.
func (m *Matcher) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stats returns pool counts per category.
func (m *Matcher) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCategory := make(map[string]int)
	for _, e := range m.entries {
		byCategory[e.req.Category]++
	}
	return Stats{Pending: len(m.entries), ByCategory: byCategory}
}

// Pending lists pooled request ids, oldest first.
func (m *Matcher) Pending() []string {
	m.mu.Lock()
	reqs := make([]types.MatchRequest, 0, len(m.entries))
	for _, e := range m.entries {
		reqs = append(reqs, e.req)
	}
	m.mu.Unlock()

	sort.Slice(reqs, func(i, j int) bool { return older(reqs[i], reqs[j]) })
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.RequestID
	}
	return ids
}

// Close disarms every timer and drops the pool. Pooled requests produce no
// outcome; the pool is ephemeral.
func (m *Matcher) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, e := range m.entries {
		e.timer.Stop()
	}
	dropped := len(m.entries)
	m.entries = make(map[string]*entry)
	m.tokens = make(map[string]string)
	m.owners = make(map[string]string)
	m.logger.Info().Int("dropped", dropped).Msg("matcher closed")
}

func older(a, b types.MatchRequest) bool {
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.RequestID < b.RequestID
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
