package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestRollbackRunsNewestFirstThenFinal(t *testing.T) {
	rb := newRollback(slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second)
	var order []string
	record := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}
	rb.finally("remove file", record("remove file", nil))
	rb.push("delete broadcast", record("delete broadcast", nil))
	rb.push("delete stream", record("delete stream", errors.New("boom")))
	rb.push("stop encoder", record("stop encoder", nil))
	rb.identify("B1", "S1")

	warnings := rb.run(context.Background())

	want := []string{"stop encoder", "delete stream", "delete broadcast", "remove file"}
	if len(order) != len(want) {
		t.Fatalf("expected %d steps, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("step %d: expected %q, got %q", i, want[i], order[i])
		}
	}
	if len(warnings) != 1 || warnings[0].Step != "delete stream" || warnings[0].StreamID != "S1" {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}
	if rb.len() != 0 {
		t.Fatalf("expected steps to be consumed")
	}
}

func TestRollbackIgnoresCallerCancellation(t *testing.T) {
	rb := newRollback(nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawErr error
	rb.push("delete broadcast", func(ctx context.Context) error {
		sawErr = ctx.Err()
		return nil
	})
	if warnings := rb.run(ctx); len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}
	if sawErr != nil {
		t.Fatalf("expected detached context, got %v", sawErr)
	}
}
