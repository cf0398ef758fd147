package wal

import "testing"

func TestWithProducerIDScopedToCall(t *testing.T) {
	if got := currentProducerID(); got != "" {
		t.Fatalf("expected empty outside WithProducerID, got %q", got)
	}

	var inside string
	WithProducerID("tx-42", func() {
		inside = currentProducerID()
	})
	if inside != "tx-42" {
		t.Fatalf("got %q want tx-42", inside)
	}

	if got := currentProducerID(); got != "" {
		t.Fatalf("expected empty after WithProducerID returns, got %q", got)
	}
}

func TestWithProducerIDNesting(t *testing.T) {
	var outer, inner, afterInner string
	WithProducerID("outer", func() {
		outer = currentProducerID()
		WithProducerID("inner", func() {
			inner = currentProducerID()
		})
		afterInner = currentProducerID()
	})
	if outer != "outer" || inner != "inner" || afterInner != "outer" {
		t.Fatalf("got outer=%q inner=%q afterInner=%q", outer, inner, afterInner)
	}
}
