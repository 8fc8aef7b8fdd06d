package event

import "testing"

func TestListeners_EmitInOrder(t *testing.T) {
	var l Listeners[int]
	var got []int

	l.On(func(v int) { got = append(got, v*10+1) })
	l.On(func(v int) { got = append(got, v*10+2) })

	l.Emit(3)

	if len(got) != 2 || got[0] != 31 || got[1] != 32 {
		t.Fatalf("got %v, want [31 32]", got)
	}
}

func TestListeners_Off(t *testing.T) {
	var l Listeners[string]
	calls := 0

	off := l.On(func(string) { calls++ })
	l.On(func(string) {})
	off()
	off()

	l.Emit("x")

	if calls != 0 {
		t.Errorf("removed listener called %d times", calls)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}

func TestListeners_SubscribeDuringEmit(t *testing.T) {
	var l Listeners[struct{}]
	inner := 0

	l.On(func(struct{}) {
		l.On(func(struct{}) { inner++ })
	})

	l.Emit(struct{}{})
	if inner != 0 {
		t.Fatalf("listener added during emit ran in the same emit")
	}

	l.Emit(struct{}{})
	if inner != 1 {
		t.Errorf("inner = %d, want 1", inner)
	}
}

func TestListeners_Clear(t *testing.T) {
	var l Listeners[int]
	called := false
	l.On(func(int) { called = true })

	l.Clear()
	l.Emit(1)

	if called {
		t.Error("cleared listener was called")
	}
}
