// Package stats tracks per-session usage counters: how many tokens each
// action served and how many full-file tokens it displaced.
package stats

import (
	"sort"
	"sync"
	"time"
)

// estimatedCharsPerToken is the divisor for the rough token estimate.
const estimatedCharsPerToken = 4

// ActionStats accumulates counters for one wire action.
type ActionStats struct {
	Calls         int64 `json:"calls"`
	TokensServed  int64 `json:"tokens_served"`
	TokensAvoided int64 `json:"tokens_avoided"`
}

// Session holds the counters for one daemon lifetime. Optionally mirrors
// every record into an append-only SQLite log for external tooling.
type Session struct {
	start time.Time

	mu      sync.Mutex
	actions map[string]*ActionStats

	log *Log // nil when persistence is off
}

func NewSession(log *Log) *Session {
	return &Session{
		start:   time.Now(),
		actions: make(map[string]*ActionStats),
		log:     log,
	}
}

// Record notes one dispatched action. servedBytes is the response payload
// size; avoidedBytes is the full-file size the response displaced (zero
// for actions that never substitute for a full read).
func (s *Session) Record(action string, servedBytes, avoidedBytes int) {
	served := int64(servedBytes / estimatedCharsPerToken)
	avoided := int64(avoidedBytes / estimatedCharsPerToken)

	s.mu.Lock()
	a, ok := s.actions[action]
	if !ok {
		a = &ActionStats{}
		s.actions[action] = a
	}
	a.Calls++
	a.TokensServed += served
	a.TokensAvoided += avoided
	s.mu.Unlock()

	if s.log != nil {
		s.log.Append(action, served, avoided)
	}
}

// Summary is the session payload embedded in status responses.
type Summary struct {
	ToolCalls     int64                  `json:"tool_calls"`
	TokensServed  int64                  `json:"tokens_served"`
	TokensAvoided int64                  `json:"tokens_avoided"`
	ReductionPct  float64                `json:"reduction_pct"`
	DurationS     float64                `json:"duration_s"`
	Breakdown     map[string]ActionStats `json:"breakdown"`
}

func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		DurationS: time.Since(s.start).Seconds(),
		Breakdown: make(map[string]ActionStats, len(s.actions)),
	}
	for action, a := range s.actions {
		sum.ToolCalls += a.Calls
		sum.TokensServed += a.TokensServed
		sum.TokensAvoided += a.TokensAvoided
		sum.Breakdown[action] = *a
	}
	if total := sum.TokensServed + sum.TokensAvoided; total > 0 {
		sum.ReductionPct = float64(sum.TokensAvoided) / float64(total) * 100
	}
	return sum
}

// Actions returns the recorded action names sorted.
func (s *Session) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.actions))
	for action := range s.actions {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}
