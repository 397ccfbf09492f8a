package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrEmptyStrategy indicates a strategy with no actions.
var ErrEmptyStrategy = errors.New("strategy has no actions")

// ActionSeparator joins action lines in the textual strategy form used by
// replay files and logs.
const ActionSeparator = "|"

// Strategy is an ordered list of actions tested together. Everything but
// Retries is fixed once the strategy has been enumerated.
type Strategy struct {
	// ID identifies the queue entry. Assigned by the generator; zero until
	// the strategy has been enqueued.
	ID uint64

	Actions  []Action
	Priority int

	// Retries counts failed executions. Only the generator increments it.
	Retries int

	Locus Locus
}

// New validates actions and returns a strategy holding a private copy of
// them. An empty locus defaults to OnPath.
func New(actions []Action, locus Locus, priority int) (*Strategy, error) {
	if len(actions) == 0 {
		return nil, ErrEmptyStrategy
	}
	if locus == "" {
		locus = OnPath
	}
	if !locus.Valid() {
		return nil, fmt.Errorf("strategy locus %q: %w", locus, ErrInvalidLocus)
	}
	for i, a := range actions {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
	}
	return &Strategy{
		Actions:  slices.Clone(actions),
		Priority: priority,
		Locus:    locus,
	}, nil
}

// MustNew is New for statically known inputs. It panics on error.
func MustNew(actions []Action, locus Locus, priority int) *Strategy {
	s, err := New(actions, locus, priority)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseLine parses the '|'-separated textual form produced by Key.
func ParseLine(line string) (*Strategy, error) {
	parts := strings.Split(strings.TrimSpace(line), ActionSeparator)
	actions := make([]Action, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		a, err := ParseAction(p)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return New(actions, OnPath, 0)
}

// Key returns the formatted action sequence. Two strategies with the same
// key apply the same manipulations.
func (s *Strategy) Key() string {
	lines := make([]string, len(s.Actions))
	for i, a := range s.Actions {
		lines[i] = a.String()
	}
	return strings.Join(lines, ActionSeparator)
}

// String returns Key, prefixed with the ID once one is assigned.
func (s *Strategy) String() string {
	if s == nil {
		return "<baseline>"
	}
	if s.ID == 0 {
		return s.Key()
	}
	return fmt.Sprintf("#%d %s", s.ID, s.Key())
}

// Lines returns the wire line of every action in order.
func (s *Strategy) Lines() []string {
	lines := make([]string, len(s.Actions))
	for i, a := range s.Actions {
		lines[i] = a.String()
	}
	return lines
}

// Clone returns a deep copy.
func (s *Strategy) Clone() *Strategy {
	if s == nil {
		return nil
	}
	c := *s
	c.Actions = slices.Clone(s.Actions)
	return &c
}

// -------------------------------------------------------------------------
// JSON
// -------------------------------------------------------------------------

type actionJSON struct {
	Line  string `json:"line"`
	Locus Locus  `json:"locus,omitempty"`
	Delay string `json:"delay,omitempty"`
}

type strategyJSON struct {
	ID       uint64       `json:"id,omitempty"`
	Actions  []actionJSON `json:"actions"`
	Priority int          `json:"priority,omitempty"`
	Retries  int          `json:"retries,omitempty"`
	Locus    Locus        `json:"locus"`
}

// MarshalJSON encodes actions as wire lines plus their locus and delay.
func (s *Strategy) MarshalJSON() ([]byte, error) {
	out := strategyJSON{
		ID:       s.ID,
		Actions:  make([]actionJSON, len(s.Actions)),
		Priority: s.Priority,
		Retries:  s.Retries,
		Locus:    s.Locus,
	}
	for i, a := range s.Actions {
		out.Actions[i] = actionJSON{Line: a.String(), Locus: a.Locus}
		if a.Delay > 0 {
			out.Actions[i].Delay = a.Delay.String()
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes and validates a strategy.
func (s *Strategy) UnmarshalJSON(data []byte) error {
	var in strategyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	actions := make([]Action, 0, len(in.Actions))
	for i, aj := range in.Actions {
		a, err := ParseAction(aj.Line)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		if aj.Locus != "" {
			a.Locus = aj.Locus
		}
		if aj.Delay != "" {
			d, err := time.ParseDuration(aj.Delay)
			if err != nil {
				return fmt.Errorf("action %d delay: %w", i, ErrInvalidAction)
			}
			a.Delay = d
		}
		actions = append(actions, a)
	}

	parsed, err := New(actions, in.Locus, in.Priority)
	if err != nil {
		return err
	}
	parsed.ID = in.ID
	parsed.Retries = in.Retries
	*s = *parsed
	return nil
}
