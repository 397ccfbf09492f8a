package generator_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/samueljero/TCPwn/internal/generator"
)

func TestReadReplay(t *testing.T) {
	t.Parallel()

	input := `# strategies from last week's run
10.0.1.1,10.0.1.3,TCP,0,0,*,DIV,bpc=10

10.0.1.1,10.0.1.3,TCP,0,2000,*,DUP,num=2|10.0.1.1,10.0.1.3,TCP,2000,4000,*,BURST,num=10
10.0.1.1,10.0.1.3,TCP,0,0,*,DROP,p=50 # disabled
{"id":7,"retries":3,"locus":"OnPath","actions":[{"line":"10.0.1.1,10.0.1.3,TCP,0,0,*,PREACK,method=2&amt=100000","delay":"2s"}]}
`
	strats, err := generator.ReadReplay(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadReplay: %v", err)
	}
	if len(strats) != 3 {
		t.Fatalf("len = %d, want 3", len(strats))
	}
	if len(strats[1].Actions) != 2 {
		t.Errorf("pipe-separated line parsed into %d actions", len(strats[1].Actions))
	}
	js := strats[2]
	if js.ID != 0 || js.Retries != 0 {
		t.Errorf("JSON line kept bookkeeping: id=%d retries=%d", js.ID, js.Retries)
	}
	if js.Actions[0].Delay != 2*time.Second {
		t.Errorf("Delay = %s, want 2s", js.Actions[0].Delay)
	}
}

func TestReadReplayBadLine(t *testing.T) {
	t.Parallel()

	_, err := generator.ReadReplay(context.Background(), strings.NewReader("ok,but,too,short\n"))
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("error = %v, want line 1 failure", err)
	}
}

func TestReplaySource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "replay.txt")
	if err := os.WriteFile(path, []byte("*,*,TCP,0,0,*,CLEAR,*\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	src := generator.Replay{Path: path}
	strats, err := src.Build(context.Background())
	if err != nil || len(strats) != 1 {
		t.Fatalf("Build = %d, %v", len(strats), err)
	}

	if _, err := (generator.Replay{Path: path + ".missing"}).Build(context.Background()); err == nil {
		t.Error("Build of missing file succeeded")
	}
}
