package coordinator

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"matchboard/pkg/types"
)

type claimStatus int

const (
	claimUnknown   claimStatus = iota // never registered, or forgotten
	claimAcquired                     // caller now owns the handoff
	claimBusy                         // another consumer owns it
	claimAnnounced                    // already announced
	claimExpired                      // content timeout already fired
)

const (
	stateAnnounced = "announced"
	stateExpired   = "expired"
)

// handoff is one session awaiting content. The same two people can pair
// again on the same terms before content arrives; every such pair shares the
// session id and is kept so each set of tokens gets an outcome.
type handoff struct {
	pairs   []types.Paired
	timer   *time.Timer
	claimed bool
	taken   int // pairs handed to the current claimer
}

// handoffTracker holds pairs in AwaitingContent. Each handoff has a content
// timer; claiming it disarms the timer so expiry and announcement can never
// both happen for one registration.
type handoffTracker struct {
	mu       sync.Mutex
	pending  map[string]*handoff
	finished *cache.Cache // sessionID -> stateAnnounced | stateExpired
	timeout  time.Duration
	onExpire func(types.Paired)
	closed   bool
}

func newHandoffTracker(timeout, memory time.Duration, onExpire func(types.Paired)) *handoffTracker {
	return &handoffTracker{
		pending:  make(map[string]*handoff),
		finished: cache.New(memory, 2*memory),
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// Register starts the content timer for a fresh pair. It returns false when
// the session is already awaiting content, in which case p joins the pending
// handoff and is announced or expired with it.
func (t *handoffTracker) Register(p types.Paired) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if h, exists := t.pending[p.SessionID]; exists {
		h.pairs = append(h.pairs, p)
		return false
	}

	// the same two people may pair again on the same terms after an earlier
	// session finished
	t.finished.Delete(p.SessionID)

	sessionID := p.SessionID
	h := &handoff{pairs: []types.Paired{p}}
	h.timer = time.AfterFunc(t.timeout, func() { t.expire(sessionID) })
	t.pending[sessionID] = h
	return true
}

// Claim takes ownership of a pending handoff, stops its timer and returns
// every pair registered on it so far.
func (t *handoffTracker) Claim(sessionID string) ([]types.Paired, claimStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, exists := t.pending[sessionID]
	if !exists {
		if state, found := t.finished.Get(sessionID); found {
			if state == stateExpired {
				return nil, claimExpired
			}
			return nil, claimAnnounced
		}
		return nil, claimUnknown
	}
	if h.claimed {
		return nil, claimBusy
	}
	h.claimed = true
	h.taken = len(h.pairs)
	h.timer.Stop()
	return append([]types.Paired(nil), h.pairs...), claimAcquired
}

// Release gives a claimed handoff back and re-arms its timer.
func (t *handoffTracker) Release(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, exists := t.pending[sessionID]
	if !exists || !h.claimed || t.closed {
		return
	}
	h.claimed = false
	h.taken = 0
	h.timer = time.AfterFunc(t.timeout, func() { t.expire(sessionID) })
}

// Complete records the announcement and forgets the handoff. It returns the
// pairs that registered after the claim, which still need announcing.
func (t *handoffTracker) Complete(sessionID string) []types.Paired {
	t.mu.Lock()
	defer t.mu.Unlock()

	var late []types.Paired
	if h, exists := t.pending[sessionID]; exists {
		h.timer.Stop()
		if h.claimed && h.taken < len(h.pairs) {
			late = h.pairs[h.taken:]
		}
		delete(t.pending, sessionID)
	}
	t.finished.SetDefault(sessionID, stateAnnounced)
	return late
}

func (t *handoffTracker) expire(sessionID string) {
	t.mu.Lock()
	h, exists := t.pending[sessionID]
	if !exists || h.claimed || t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.pending, sessionID)
	t.finished.SetDefault(sessionID, stateExpired)
	t.mu.Unlock()

	for _, p := range h.pairs {
		t.onExpire(p)
	}
}

// Len returns the number of handoffs awaiting content.
func (t *handoffTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close disarms every timer; pending handoffs are dropped.
func (t *handoffTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, h := range t.pending {
		h.timer.Stop()
	}
	t.pending = make(map[string]*handoff)
}
