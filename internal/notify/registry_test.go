package notify

import "testing"

func TestRegistryMultipleSubscribers(t *testing.T) {
	var r registry[int]
	var got []int

	r.subscribe(func(v int) { got = append(got, v*10) })
	r.subscribe(func(v int) { got = append(got, v*100) })

	r.notify(3)

	if len(got) != 2 || got[0] != 30 || got[1] != 300 {
		t.Fatalf("got %v, want [30 300] in registration order", got)
	}
}

func TestRegistrySameFunctionTwice(t *testing.T) {
	var r registry[string]
	calls := 0
	fn := func(string) { calls++ }

	r.subscribe(fn)
	r.subscribe(fn)
	r.notify("x")

	if calls != 2 {
		t.Fatalf("calls = %d, want 2 independent subscriptions", calls)
	}
}

func TestSubscriptionCancel(t *testing.T) {
	var r registry[int]
	a, b := 0, 0

	subA := r.subscribe(func(int) { a++ })
	r.subscribe(func(int) { b++ })

	subA.Cancel()
	subA.Cancel() // idempotent
	r.notify(1)

	if a != 0 {
		t.Fatalf("cancelled subscriber fired %d times", a)
	}
	if b != 1 {
		t.Fatalf("surviving subscriber fired %d times, want 1", b)
	}
	if r.len() != 1 {
		t.Fatalf("len = %d, want 1", r.len())
	}
}

func TestRegistryNotifyWithoutSubscribers(t *testing.T) {
	var r registry[int]
	r.notify(42) // must not panic
}
