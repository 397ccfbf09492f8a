package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/samueljero/TCPwn/internal/search"
	"github.com/samueljero/TCPwn/internal/strategy"
)

// StateSearch derives strategies from feasible paths through a protocol
// state-machine model. Each path position contributes the rule table's
// candidates for its condition; per locus, every combination of one
// candidate per position becomes a strategy.
type StateSearch struct {
	runner search.Runner
	rules  strategy.RuleTable
	flow   Flow
	model  string
	term   string

	// maxPerPath caps strategies per path and locus. Zero is unbounded.
	maxPerPath int

	logger  *slog.Logger
	metrics MetricsReporter

	offPath []*strategy.Strategy
}

// StateSearchOption configures a StateSearch.
type StateSearchOption func(*StateSearch)

// WithMaxPerPath caps the strategies expanded from one path per locus.
func WithMaxPerPath(n int) StateSearchOption {
	return func(s *StateSearch) { s.maxPerPath = n }
}

// WithSearchMetrics counts unknown conditions.
func WithSearchMetrics(mr MetricsReporter) StateSearchOption {
	return func(s *StateSearch) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// NewStateSearch creates a source searching model for term.
func NewStateSearch(
	logger *slog.Logger,
	runner search.Runner,
	rules strategy.RuleTable,
	flow Flow,
	model, term string,
	opts ...StateSearchOption,
) *StateSearch {
	s := &StateSearch{
		runner:  runner,
		rules:   rules,
		flow:    flow,
		model:   model,
		term:    term,
		logger:  logger.With(slog.String("component", "state-search")),
		metrics: noopMetrics{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements Source.
func (*StateSearch) Name() string { return "state-search" }

// Build implements Source. Only OnPath strategies are returned; OffPath
// strategies are kept for OffPath.
func (s *StateSearch) Build(ctx context.Context) ([]*strategy.Strategy, error) {
	paths, err := s.runner.Search(ctx, s.model, s.term)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		s.logger.Warn("no paths found in state machine",
			slog.String("model", s.model), slog.String("term", s.term))
		return nil, nil
	}

	var onPath []*strategy.Strategy
	s.offPath = nil
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		byLocus := s.Expand(p)
		for _, l := range []strategy.Locus{strategy.OnPath, strategy.OffPath} {
			for _, acts := range byLocus[l] {
				st, err := strategy.New(acts, l, 0)
				if err != nil {
					return nil, fmt.Errorf("path %v: %w", p, err)
				}
				if l == strategy.OnPath {
					onPath = append(onPath, st)
				} else {
					s.offPath = append(s.offPath, st)
				}
			}
		}
	}

	s.logger.Info("state-search expansion finished",
		slog.Int("paths", len(paths)),
		slog.Int("on_path", len(onPath)),
		slog.Int("off_path", len(s.offPath)),
	)
	return onPath, nil
}

// OffPath returns the OffPath strategies from the last Build.
func (s *StateSearch) OffPath() []*strategy.Strategy {
	return slices.Clone(s.offPath)
}

// OffPathSource returns a Source yielding the OffPath strategies of the
// last Build, so they can be queued after the on-path ones.
func (s *StateSearch) OffPathSource() Source { return offPathSource{s} }

type offPathSource struct{ s *StateSearch }

func (offPathSource) Name() string { return "state-search-off-path" }

func (o offPathSource) Build(ctx context.Context) ([]*strategy.Strategy, error) {
	return o.s.OffPath(), ctx.Err()
}

// Expand turns one path into action lists grouped by locus. Unknown
// conditions are logged and contribute nothing.
func (s *StateSearch) Expand(p search.Path) map[strategy.Locus][][]strategy.Action {
	positions := make([][]candidateAction, len(p))
	loci := make(map[strategy.Locus]struct{})

	for i, edge := range p {
		state := s.rules.MapState(edge.State)
		cands, err := s.rules.Lookup(edge.Condition)
		if err != nil {
			if errors.Is(err, strategy.ErrUnknownCondition) {
				s.metrics.IncUnknownCondition()
			}
			s.logger.Warn("unknown condition",
				slog.String("state", edge.State),
				slog.String("condition", edge.Condition),
			)
			continue
		}
		for _, c := range cands {
			loci[c.Locus] = struct{}{}
			ca := candidateAction{locus: c.Locus, skip: c.Skip()}
			if !ca.skip {
				ca.action = s.flow.action(0, 0, state, c.Code, c.Params)
				ca.action.Locus = c.Locus
			}
			positions[i] = append(positions[i], ca)
		}
	}

	out := make(map[strategy.Locus][][]strategy.Action, len(loci))
	for l := range loci {
		out[l] = expandLocus(positions, l, s.maxPerPath)
	}
	return out
}

type candidateAction struct {
	locus  strategy.Locus
	skip   bool
	action strategy.Action
}

type frame struct {
	pos     int
	actions []strategy.Action
}

// expandLocus walks the cartesian product of per-position candidates for
// one locus with an explicit stack. A position with no candidates for the
// locus acts as a single skip. Leaves with no actions are dropped; at most
// limit leaves are produced when limit is positive. Output order matches a
// recursive walk in candidate order.
func expandLocus(positions [][]candidateAction, l strategy.Locus, limit int) [][]strategy.Action {
	perPos := make([][]candidateAction, len(positions))
	for i, cands := range positions {
		for _, c := range cands {
			if c.locus == l {
				perPos[i] = append(perPos[i], c)
			}
		}
		if len(perPos[i]) == 0 {
			perPos[i] = []candidateAction{{locus: l, skip: true}}
		}
	}

	var leaves [][]strategy.Action
	stack := []frame{{pos: 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.pos == len(perPos) {
			if len(f.actions) == 0 {
				continue
			}
			leaves = append(leaves, f.actions)
			if limit > 0 && len(leaves) >= limit {
				break
			}
			continue
		}

		cands := perPos[f.pos]
		for i := len(cands) - 1; i >= 0; i-- {
			next := frame{pos: f.pos + 1, actions: f.actions}
			if !cands[i].skip {
				next.actions = append(slices.Clip(f.actions), cands[i].action)
			}
			stack = append(stack, next)
		}
	}
	return leaves
}

// String describes the source for logs.
func (s *StateSearch) String() string {
	return fmt.Sprintf("state-search(%s, %q)", s.model, s.term)
}
