package vclock

import "testing"

func TestSetRejectsNonMonotonic(t *testing.T) {
	v := New()
	v.Set(1, 5)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on non-monotonic advance")
		}
	}()
	v.Set(1, 5)
}

func TestGetAbsentVsZero(t *testing.T) {
	v := New()
	if _, ok := v.Get(0); ok {
		t.Fatal("node 0 should be absent by default")
	}
	v.Set(0, 0)
	lsn, ok := v.Get(0)
	if !ok || lsn != 0 {
		t.Fatalf("node 0 should be present with lsn 0, got %d, %v", lsn, ok)
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	v := New()
	v.Set(1, 100)
	v.Set(3, 7)
	s := v.String()
	parsed, err := Parse(s)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if Compare(v, parsed) != Equal {
		t.Fatalf("round-trip mismatch: %s vs %s", v, parsed)
	}
}

func TestParseEmpty(t *testing.T) {
	v, err := Parse("{}")
	if err != nil {
		t.Fatal(err)
	}
	if v.Signature() != 0 {
		t.Fatalf("expected empty vclock, got signature %d", v.Signature())
	}
}

func TestCompare(t *testing.T) {
	a := New()
	a.Set(1, 5)
	b := New()
	b.Set(1, 10)
	if Compare(a, b) != Less {
		t.Fatal("expected a < b")
	}
	if Compare(b, a) != Greater {
		t.Fatal("expected b > a")
	}
	if Compare(a, a.Clone()) != Equal {
		t.Fatal("expected a == a")
	}

	c := New()
	c.Set(2, 1)
	if Compare(a, c) != Incomparable {
		t.Fatal("expected a and c to be incomparable")
	}
}

func TestSignature(t *testing.T) {
	v := New()
	v.Set(0, 3)
	v.Set(1, 4)
	if v.Signature() != 7 {
		t.Fatalf("expected signature 7, got %d", v.Signature())
	}
}

func TestMatchPicksGreatestNonOvershooting(t *testing.T) {
	a := New()
	a.Set(1, 1)
	b := New()
	b.Set(1, 4)
	c := New()
	c.Set(1, 10)

	key := New()
	key.Set(1, 5)

	best := Match([]*VClock{a, b, c}, key)
	if best == nil || best.Signature() != 4 {
		t.Fatalf("expected match with signature 4, got %v", best)
	}
}

func TestMatchNoCandidate(t *testing.T) {
	a := New()
	a.Set(1, 10)
	key := New()
	key.Set(1, 1)
	if got := Match([]*VClock{a}, key); got != nil {
		t.Fatalf("expected no match, got signature %d", got.Signature())
	}
}

func TestCopyKeepsMaxOfEach(t *testing.T) {
	dst := New()
	dst.Set(1, 2)
	src := New()
	src.Set(1, 1) // lower than dst -> must not overwrite (mirrors vclock_merge)
	src.Set(2, 9)
	Copy(dst, src)
	if l, _ := dst.Get(1); l != 2 {
		t.Fatalf("expected node 1 to stay at 2, got %d", l)
	}
	if l, _ := dst.Get(2); l != 9 {
		t.Fatalf("expected node 2 to become 9, got %d", l)
	}
}

func TestHasMirrorsGet(t *testing.T) {
	v := New()
	if v.Has(5) {
		t.Fatal("expected absent")
	}
	v.Set(5, 1)
	if !v.Has(5) {
		t.Fatal("expected present")
	}
}
