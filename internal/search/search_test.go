package search_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/samueljero/TCPwn/internal/search"
)

func TestParse(t *testing.T) {
	t.Parallel()

	out := `Found paths
<SlowStart, "ACK && new">; <CongestionAvoidance, "RTO Timeout">;

<FastRecovery, "ACK && dup && dupACKctr+1 == 3">
`
	paths, err := search.Parse(strings.NewReader(out))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := []search.Path{
		{
			{State: "SlowStart", Condition: "ACK && new"},
			{State: "CongestionAvoidance", Condition: "RTO Timeout"},
		},
		{
			{State: "FastRecovery", Condition: "ACK && dup && dupACKctr+1 == 3"},
		},
	}
	if len(paths) != len(want) {
		t.Fatalf("len(paths) = %d, want %d", len(paths), len(want))
	}
	for i := range want {
		if !slices.Equal(paths[i], want[i]) {
			t.Errorf("paths[%d] = %+v, want %+v", i, paths[i], want[i])
		}
	}
}

func TestParseNoPaths(t *testing.T) {
	t.Parallel()

	paths, err := search.Parse(strings.NewReader("Searching cwnd...\nFound no paths\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("paths = %v, want none", paths)
	}
}

func TestParseLineSkipsJunk(t *testing.T) {
	t.Parallel()

	p := search.ParseLine(`garbage; <Init, "ACK">; <broken; <SlowStart , "ACK && dup">`)
	if len(p) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(p), p)
	}
	if p[0].State != "Init" || p[1].Condition != "ACK && dup" {
		t.Errorf("parsed %+v", p)
	}
}

// Tool tests fork and are kept serial to avoid ETXTBSY on the fresh script.
func TestToolRunsBinary(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "searcher")
	body := "#!/bin/sh\necho 'Found paths'\necho \"<$1, \\\"$2\\\">\"\n"
	if err := os.WriteFile(script, []byte(body), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	paths, err := search.Tool{Binary: script}.Search(context.Background(), "Model", "ACK")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(paths) != 1 || paths[0][0] != (search.Edge{State: "Model", Condition: "ACK"}) {
		t.Errorf("paths = %+v", paths)
	}
}

func TestToolFailure(t *testing.T) {
	_, err := search.Tool{Binary: filepath.Join(t.TempDir(), "missing")}.
		Search(context.Background(), "m", "t")
	if !errors.Is(err, search.ErrSearchFailed) {
		t.Errorf("error = %v, want ErrSearchFailed", err)
	}
}
