package session

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSerialExecutor_PreservesOrder(t *testing.T) {
	t.Parallel()

	e := NewSerialExecutor(2)
	defer e.Close()

	out := make(chan int, 50)
	for i := 0; i < 50; i++ {
		i := i
		e.Execute(func() { out <- i })
	}

	for want := 0; want < 50; want++ {
		select {
		case got := <-out:
			if got != want {
				t.Fatalf("got %d want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out at %d", want)
		}
	}
}

func TestSerialExecutor_CloseDiscardsLaterCalls(t *testing.T) {
	t.Parallel()

	e := NewSerialExecutor(1)
	e.Close()
	e.Close()

	var ran atomic.Bool
	e.Execute(func() { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatalf("call after Close must be discarded")
	}
}

func TestInlineExecutor_RunsSynchronously(t *testing.T) {
	t.Parallel()

	ran := false
	InlineExecutor{}.Execute(func() { ran = true })
	if !ran {
		t.Fatalf("inline executor must run fn before returning")
	}
}
