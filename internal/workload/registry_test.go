package workload

import (
	"context"
	"errors"
	"testing"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	called := false
	r.Register("momentum-btc", func(ctx context.Context, rc *RunContext) error {
		called = true
		return nil
	})

	fn, err := r.Lookup("momentum-btc")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	if err := fn(context.Background(), &RunContext{}); err != nil {
		t.Errorf("workload returned error: %v", err)
	}
	if !called {
		t.Error("expected the registered function to run")
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Lookup("nope"); err == nil {
		t.Error("expected error for unknown workload")
	}
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry()

	sentinel := errors.New("second")
	r.Register("w", func(ctx context.Context, rc *RunContext) error { return nil })
	r.Register("w", func(ctx context.Context, rc *RunContext) error { return sentinel })

	fn, err := r.Lookup("w")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if err := fn(context.Background(), &RunContext{}); !errors.Is(err, sentinel) {
		t.Errorf("expected the replacement function, got err %v", err)
	}
}
