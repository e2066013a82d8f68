package util

import "testing"

func TestRingBufferWrapAround(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}
}

func TestRingBufferLast(t *testing.T) {
	r := NewRingBuffer[string](2)
	if _, ok := r.Last(); ok {
		t.Fatal("Last on empty buffer reported a value")
	}

	r.Push("a")
	r.Push("b")
	r.Push("c")
	if v, ok := r.Last(); !ok || v != "c" {
		t.Fatalf("Last = (%q, %v)", v, ok)
	}
}
