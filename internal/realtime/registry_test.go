package realtime

import (
	"encoding/json"
	"testing"
)

func noopPayload(json.RawMessage) {}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := newRegistry()

	_, replaced, gen1 := r.register(Subscription{Channel: "appointments", Event: "A", Push: noopPayload})
	if replaced {
		t.Fatal("first register reported a replacement")
	}

	prev, replaced, gen2 := r.register(Subscription{Channel: "appointments", Event: "B", Push: noopPayload})
	if !replaced {
		t.Fatal("second register did not report a replacement")
	}
	if prev.sub.Event != "A" {
		t.Errorf("prev event = %q, want A", prev.sub.Event)
	}
	if gen2 == gen1 {
		t.Error("generation did not change on replace")
	}
	if r.current("appointments", gen1) {
		t.Error("old generation still current")
	}
	if !r.current("appointments", gen2) {
		t.Error("new generation not current")
	}

	e, ok := r.lookup("appointments")
	if !ok || e.sub.Event != "B" {
		t.Errorf("lookup = %+v, %v; want event B", e.sub, ok)
	}
	if r.len() != 1 {
		t.Errorf("len = %d, want 1", r.len())
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := newRegistry()

	if _, ok := r.unregister("missing"); ok {
		t.Error("unregister of unknown channel reported success")
	}

	_, _, gen := r.register(Subscription{Channel: "notifications", Push: noopPayload})
	if _, ok := r.unregister("notifications"); !ok {
		t.Fatal("unregister of known channel failed")
	}
	if r.current("notifications", gen) {
		t.Error("removed channel still current")
	}
	if _, ok := r.lookup("notifications"); ok {
		t.Error("removed channel still found")
	}
}

func TestRegistrySetBoundIgnoresStaleGeneration(t *testing.T) {
	r := newRegistry()
	_, _, old := r.register(Subscription{Channel: "c", Push: noopPayload})
	_, _, cur := r.register(Subscription{Channel: "c", Push: noopPayload})

	if r.setBound("c", old, true) {
		t.Error("setBound accepted a stale generation")
	}
	if e, _ := r.lookup("c"); e.bound {
		t.Error("stale setBound changed the entry")
	}
	if !r.setBound("c", cur, true) {
		t.Fatal("setBound rejected the current generation")
	}
	if e, _ := r.lookup("c"); !e.bound {
		t.Error("entry not marked bound")
	}
}

func TestRegistryAllIsOrderedAndRestartable(t *testing.T) {
	r := newRegistry()
	for _, ch := range []string{"notifications", "appointments", "messages"} {
		r.register(Subscription{Channel: ch, Push: noopPayload})
	}

	seq := r.all()

	var first []string
	for name := range seq {
		first = append(first, name)
	}
	want := []string{"appointments", "messages", "notifications"}
	if len(first) != len(want) {
		t.Fatalf("got %v, want %v", first, want)
	}
	for i := range want {
		if first[i] != want[i] {
			t.Fatalf("got %v, want %v", first, want)
		}
	}

	r.register(Subscription{Channel: "billing", Push: noopPayload})

	var second []string
	for name := range seq {
		second = append(second, name)
	}
	if len(second) != 4 || second[1] != "billing" {
		t.Errorf("second iteration = %v, want billing second of 4", second)
	}

	r.unregister("messages")

	var third []string
	for name := range seq {
		third = append(third, name)
	}
	want = []string{"appointments", "billing", "notifications"}
	if len(third) != len(want) {
		t.Fatalf("after unregister = %v, want %v", third, want)
	}
	for i := range want {
		if third[i] != want[i] {
			t.Fatalf("after unregister = %v, want %v", third, want)
		}
	}

	// Early break stops the sequence.
	n := 0
	for range seq {
		n++
		break
	}
	if n != 1 {
		t.Errorf("break yielded %d entries", n)
	}
}

func TestRegistryClear(t *testing.T) {
	r := newRegistry()
	r.register(Subscription{Channel: "b", Push: noopPayload})
	r.register(Subscription{Channel: "a", Push: noopPayload})

	removed := r.clear()
	if len(removed) != 2 || removed[0].sub.Channel != "a" {
		t.Errorf("removed = %+v, want [a b]", removed)
	}
	if r.len() != 0 {
		t.Errorf("len after clear = %d", r.len())
	}
}
