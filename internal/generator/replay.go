package generator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samueljero/TCPwn/internal/strategy"
)

// commentMarker disables any replay line that contains it.
const commentMarker = "#"

// Replay reads strategies from a file, one per line. A line is either a
// JSON strategy object or '|'-separated action lines. Lines containing '#'
// are comments.
type Replay struct {
	Path string
}

// Name implements Source.
func (Replay) Name() string { return "replay" }

// Build implements Source.
func (r Replay) Build(ctx context.Context) ([]*strategy.Strategy, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	return ReadReplay(ctx, f)
}

// ReadReplay parses replay lines from rd.
func ReadReplay(ctx context.Context, rd io.Reader) ([]*strategy.Strategy, error) {
	var out []*strategy.Strategy

	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.Contains(line, commentMarker) {
			continue
		}

		s, err := parseReplayLine(line)
		if err != nil {
			return nil, fmt.Errorf("replay line %d: %w", n, err)
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	return out, nil
}

func parseReplayLine(line string) (*strategy.Strategy, error) {
	if !strings.HasPrefix(line, "{") {
		return strategy.ParseLine(line)
	}

	var s strategy.Strategy
	if err := json.Unmarshal([]byte(line), &s); err != nil {
		return nil, err
	}
	// Queue bookkeeping is reassigned on enqueue.
	s.ID = 0
	s.Retries = 0
	return &s, nil
}
