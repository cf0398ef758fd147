package replication

import "testing"

func TestRegistryOrdersByID(t *testing.T) {
	r := NewRegistry()
	r.Add(&Subscriber{ID: 3})
	r.Add(&Subscriber{ID: 1})
	r.Add(&Subscriber{ID: 2})

	var order []uint64
	r.Each(func(s *Subscriber) bool {
		order = append(order, s.ID)
		return true
	})
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.Add(&Subscriber{ID: 1})
	r.Add(&Subscriber{ID: 2})
	r.Remove(1)
	if r.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", r.Len())
	}
}
