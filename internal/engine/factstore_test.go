package engine

import "testing"

func TestFactStoreSetGetDelete(t *testing.T) {
	s := NewFactStore()
	if _, ok := s.Get("order:ord-1:status"); ok {
		t.Fatalf("expected missing fact")
	}

	if _, err := s.Set("order:ord-1:status", "paid"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := s.Get("order:ord-1:status")
	if !ok || v != "paid" {
		t.Fatalf("expected paid, got %v %v", v, ok)
	}

	change, ok := s.Delete("order:ord-1:status")
	if !ok || change.Previous != "paid" || !change.Deleted {
		t.Fatalf("unexpected delete result: %+v %v", change, ok)
	}
	if _, ok := s.Get("order:ord-1:status"); ok {
		t.Fatalf("expected fact removed")
	}
}

func TestFactStoreRejectsReferenceKey(t *testing.T) {
	s := NewFactStore()
	if _, err := s.Set("order:${id}:status", "paid"); err == nil {
		t.Fatalf("expected error for interpolated key")
	}
}

func TestFactStoreNotifiesObservers(t *testing.T) {
	s := NewFactStore()
	var got []FactChange
	s.Observe(func(c FactChange) { got = append(got, c) })

	s.Set("a:b", 1)
	s.Set("a:b", 2)
	s.Delete("a:b")

	if len(got) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(got))
	}
	if got[1].Previous != 1 || !got[1].HadPrev {
		t.Errorf("expected second change to carry previous value 1, got %+v", got[1])
	}
	if !got[2].Deleted {
		t.Errorf("expected third change to be a delete")
	}
}

func TestFactStoreMatchByPattern(t *testing.T) {
	s := NewFactStore()
	s.Set("order:ord-1:status", "paid")
	s.Set("order:ord-2:status", "pending")
	s.Set("order:ord-1:amount", 10)

	got := s.Match("order:*:status")
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d: %v", len(got), got)
	}
	byKey := map[string]any{}
	for _, e := range got {
		byKey[e.Key] = e.Value
	}
	if byKey["order:ord-1:status"] != "paid" || byKey["order:ord-2:status"] != "pending" {
		t.Fatalf("expected matching values preserved, got %+v", byKey)
	}
}
