package workflow

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/weftlab/weft/internal/api/v1"
)

// Decision is the outcome of guard evaluation for one event.
type Decision struct {
	Matched bool
	RuleID  string
	Reason  string
}

// decisionCacheLimit bounds the memoized decisions kept for retry
// determinism. At the limit the oldest quarter is evicted; retries land
// close to the first evaluation, so recently remembered decisions survive.
const decisionCacheLimit = 8192

// Evaluator applies an instance's ordered guard rules to events. The first
// matching rule wins; matching is ordered, not scored, so behavior stays
// deterministic and auditable.
//
// Debounce and rate-limit guards consult mutable window state, which would
// make re-evaluation of the same event after a retry diverge. The evaluator
// therefore memoizes the decision per event id: retries observe the exact
// decision the first evaluation produced.
type Evaluator struct {
	mu        sync.Mutex
	decisions map[uuid.UUID]Decision
	// order tracks decision insertion for oldest-first eviction.
	order []uuid.UUID
	// seen holds per (instance, sender) provider timestamps inside the
	// largest configured window, for debounce and rate-limit predicates.
	seen map[string][]time.Time
}

// NewEvaluator creates a guard evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		decisions: make(map[uuid.UUID]Decision),
		seen:      make(map[string][]time.Time),
	}
}

// Evaluate applies the instance's rules to the event, top to bottom.
// Unconfigured instances and unmatched events yield the default decision.
func (e *Evaluator) Evaluate(event *v1.Event, cfg *InstanceConfig) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if d, ok := e.decisions[event.ID]; ok {
		return d
	}

	d := e.evaluateLocked(event, cfg)
	e.remember(event.ID, d)
	return d
}

func (e *Evaluator) evaluateLocked(event *v1.Event, cfg *InstanceConfig) Decision {
	if cfg == nil {
		return Decision{Matched: false, Reason: "no_config"}
	}

	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		if e.guardMatches(event, cfg, &rule.Guard) {
			e.recordSighting(event)
			return Decision{Matched: true, RuleID: rule.ID, Reason: rule.Guard.Kind}
		}
	}

	e.recordSighting(event)

	if cfg.DefaultRule != "" {
		return Decision{Matched: true, RuleID: cfg.DefaultRule, Reason: "default"}
	}
	return Decision{Matched: false, Reason: "no_match"}
}

func (e *Evaluator) guardMatches(event *v1.Event, cfg *InstanceConfig, g *GuardSpec) bool {
	switch g.Kind {
	case GuardAllowlist:
		return containsHandle(g.Handles, event.SenderHandle)
	case GuardDenylist:
		return containsHandle(g.Handles, event.SenderHandle)
	case GuardSelfMessage:
		return cfg.OwnerHandle != "" && event.SenderHandle == cfg.OwnerHandle
	case GuardEventType:
		for _, t := range g.EventTypes {
			if v1.EventType(t) == event.EventType {
				return true
			}
		}
		return false
	case GuardDebounce:
		// Matches when another event from the same sender landed inside the
		// window before this one.
		return e.countWithin(event, g.Window) > 0
	case GuardRateLimit:
		return e.countWithin(event, g.Window) >= g.Limit
	}
	return false
}

func senderKey(event *v1.Event) string {
	return event.InstanceID + "|" + event.SenderHandle
}

// countWithin counts prior sightings of the sender whose provider timestamp
// falls inside the window ending at this event's provider timestamp. Using
// provider time (not wall clock) keeps the count independent of when the
// evaluation happens to run.
func (e *Evaluator) countWithin(event *v1.Event, window time.Duration) int {
	times := e.seen[senderKey(event)]
	cutoff := event.ProviderTimestamp.Add(-window)
	n := 0
	for _, t := range times {
		if t.After(cutoff) && !t.After(event.ProviderTimestamp) {
			n++
		}
	}
	return n
}

func (e *Evaluator) recordSighting(event *v1.Event) {
	key := senderKey(event)
	times := append(e.seen[key], event.ProviderTimestamp)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	if len(times) > 256 {
		times = times[len(times)-256:]
	}
	e.seen[key] = times
}

func (e *Evaluator) remember(id uuid.UUID, d Decision) {
	if len(e.decisions) >= decisionCacheLimit {
		// Evict only the oldest quarter. A retry of a recently evaluated
		// event must still find its memoized decision, or re-evaluation
		// against moved debounce and rate-limit windows could flip it.
		drop := len(e.order) / 4
		for _, old := range e.order[:drop] {
			delete(e.decisions, old)
		}
		e.order = append(e.order[:0], e.order[drop:]...)
	}
	e.decisions[id] = d
	e.order = append(e.order, id)
}

func containsHandle(handles []string, handle string) bool {
	for _, h := range handles {
		if h == handle {
			return true
		}
	}
	return false
}
