package generator

import (
	"context"
	"fmt"

	"github.com/samueljero/TCPwn/internal/strategy"
)

// Flow selects the connection a generated action applies to.
type Flow struct {
	Client string
	Server string
	Proto  string
}

func (f Flow) action(start, end int64, state string, code strategy.ActionCode, params string) strategy.Action {
	return strategy.Action{
		Src:    f.Client,
		Dst:    f.Server,
		Proto:  f.Proto,
		Start:  strategy.Offset(start),
		End:    strategy.Offset(end),
		State:  state,
		Code:   code,
		Params: params,
		Locus:  strategy.OnPath,
	}
}

// BruteForce enumerates single actions over the catalog's full parameter
// domains and windows, then compatible pairs over the small domains and
// chunk grid. Output order is fully determined by the catalog.
type BruteForce struct {
	Catalog strategy.Catalog
	Flow    Flow
}

// Name implements Source.
func (BruteForce) Name() string { return "brute-force" }

// Build implements Source.
func (b BruteForce) Build(ctx context.Context) ([]*strategy.Strategy, error) {
	if err := b.Catalog.Validate(); err != nil {
		return nil, err
	}
	if err := b.Flow.action(0, 0, strategy.Wildcard, strategy.CodeClear, strategy.Wildcard).Validate(); err != nil {
		return nil, fmt.Errorf("flow: %w", err)
	}

	out := b.singles()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append(out, b.pairs()...), nil
}

func (b BruteForce) singles() []*strategy.Strategy {
	c := b.Catalog
	var out []*strategy.Strategy

	for _, e := range c.Actions {
		for _, v := range e.Full {
			p := e.Param(v)
			out = append(out, b.strategy(b.Flow.action(0, 0, strategy.Wildcard, e.Code, p)))
			for _, length := range c.Lengths {
				for _, start := range c.Starts {
					out = append(out, b.strategy(
						b.Flow.action(start, start+length, strategy.Wildcard, e.Code, p)))
				}
			}
		}
	}
	return out
}

func (b BruteForce) pairs() []*strategy.Strategy {
	c := b.Catalog
	var out []*strategy.Strategy

	for _, aStart := range c.ChunkStarts {
		for _, bStart := range c.ChunkStarts {
			for _, ea := range c.Actions {
				for _, eb := range c.Actions {
					if !c.Compatible(ea.Code, eb.Code, aStart, bStart) {
						continue
					}
					for _, av := range ea.Small {
						for _, bv := range eb.Small {
							out = append(out, b.strategy(
								b.Flow.action(aStart, aStart+c.ChunkLength, strategy.Wildcard, ea.Code, ea.Param(av)),
								b.Flow.action(bStart, bStart+c.ChunkLength, strategy.Wildcard, eb.Code, eb.Param(bv)),
							))
						}
					}
				}
			}
		}
	}
	return out
}

func (b BruteForce) strategy(actions ...strategy.Action) *strategy.Strategy {
	return strategy.MustNew(actions, strategy.OnPath, 0)
}
