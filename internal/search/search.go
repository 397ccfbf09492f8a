// Package search runs the external state-machine path-search tool and
// parses its output into paths of (state, condition) edges.
package search

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Output markers printed by the search tool.
const (
	markerNoPaths = "Found no paths"
	markerHeader  = "Found paths"
)

// edgeSeparator splits one path line into edges.
const edgeSeparator = ";"

// DefaultTimeout bounds one search invocation.
const DefaultTimeout = 5 * time.Minute

// ErrSearchFailed indicates the tool could not be run or exited non-zero.
var ErrSearchFailed = errors.New("path search failed")

//nolint:gochecknoglobals // Compiled once.
var edgePattern = regexp.MustCompile(`<([^,]+), "([^"]+)">`)

// Edge is one step on a path: the model state and the condition label of
// the transition taken from it.
type Edge struct {
	State     string
	Condition string
}

// Path is an ordered list of edges through the model.
type Path []Edge

// Runner finds paths through a model matching a search term.
type Runner interface {
	Search(ctx context.Context, model, term string) ([]Path, error)
}

// Tool runs the searcher binary as a subprocess: `<binary> <model> <term>`.
type Tool struct {
	Binary  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Search runs the tool and parses its stdout.
func (t Tool) Search(ctx context.Context, model, term string) ([]Path, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.Binary, model, term)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s %q: %w: %w (stderr: %s)",
			t.Binary, model, term, ErrSearchFailed, err, strings.TrimSpace(stderr.String()))
	}

	paths, err := Parse(&stdout)
	if err != nil {
		return nil, err
	}

	if t.Logger != nil {
		t.Logger.Info("path search finished",
			slog.String("model", model),
			slog.String("term", term),
			slog.Int("paths", len(paths)),
			slog.Duration("took", time.Since(start)),
		)
	}
	return paths, nil
}

// Parse reads searcher output. The header line and blank lines are
// ignored; a "Found no paths" line yields an empty, non-error result.
// Fragments that do not look like edges are dropped.
func Parse(r io.Reader) ([]Path, error) {
	var paths []Path

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.Contains(line, markerNoPaths):
			return nil, nil
		case line == "", strings.Contains(line, markerHeader):
			continue
		}

		p := ParseLine(line)
		if len(p) > 0 {
			paths = append(paths, p)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read search output: %w", err)
	}
	return paths, nil
}

// ParseLine parses one `<state, "cond">; <state, "cond">` line.
func ParseLine(line string) Path {
	var p Path
	for _, frag := range strings.Split(line, edgeSeparator) {
		m := edgePattern.FindStringSubmatch(strings.TrimSpace(frag))
		if m == nil {
			continue
		}
		p = append(p, Edge{
			State:     strings.TrimSpace(m[1]),
			Condition: strings.TrimSpace(m[2]),
		})
	}
	return p
}
