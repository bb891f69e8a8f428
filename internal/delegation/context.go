package delegation

import (
	"context"
	"strings"
	"sync"
	"unicode"
)

// MaxPerTurn is the ceiling on asynchronous delegations within one user turn.
const MaxPerTurn = 6

// Origin is the addressing tuple captured when a user turn begins. Every
// task delegated during the turn inherits it so results can find their way
// back.
type Origin struct {
	Channel   string
	SessionID string
	MessageID string
	UserID    string
}

// Ack records one delegation issued during a turn, keyed by agent plus the
// normalized task text for dedup.
type Ack struct {
	TaskID         string
	Agent          string
	NormalizedTask string
}

// Turn tracks the delegations issued while handling one inbound user turn.
// It is safe for concurrent use by the asynchronous operations the turn
// spawns.
type Turn struct {
	origin Origin

	mu   sync.Mutex
	acks []Ack
}

// NewTurn begins a delegation turn for the given origin.
func NewTurn(origin Origin) *Turn {
	return &Turn{origin: origin}
}

// Origin returns the turn's addressing tuple.
func (t *Turn) Origin() Origin {
	return t.origin
}

// Acks returns a snapshot of the delegations issued so far.
func (t *Turn) Acks() []Ack {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Ack, len(t.acks))
	copy(out, t.acks)
	return out
}

// Existing returns the task id of a previous delegation in this turn with
// the same agent and normalized task text, if any.
func (t *Turn) Existing(agent, normalized string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.acks {
		if a.Agent == agent && a.NormalizedTask == normalized {
			return a.TaskID, true
		}
	}
	return "", false
}

// AtCeiling reports whether the turn has exhausted its delegation budget.
func (t *Turn) AtCeiling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.acks) >= MaxPerTurn
}

// Record appends an acknowledgement for a newly created task.
func (t *Turn) Record(taskID, agent, normalized string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acks = append(t.acks, Ack{TaskID: taskID, Agent: agent, NormalizedTask: normalized})
}

// Normalize canonicalizes task text for dedup comparison: case-folded,
// punctuation stripped, whitespace collapsed.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

type turnKey struct{}

// WithTurn attaches a delegation turn to the context. Every asynchronous
// operation spawned during the turn carries it implicitly.
func WithTurn(ctx context.Context, t *Turn) context.Context {
	return context.WithValue(ctx, turnKey{}, t)
}

// TurnFrom extracts the delegation turn from the context. A nil result means
// no turn was established (e.g. a chronos firing) and dedup/rate-limit
// checks are bypassed.
func TurnFrom(ctx context.Context) *Turn {
	t, _ := ctx.Value(turnKey{}).(*Turn)
	return t
}
