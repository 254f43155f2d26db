package alarm

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"lorawan-node/internal/node"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArm_DeliversOnce(t *testing.T) {
	events := node.NewMailbox()
	r := New(events, nil, quietLogger())
	defer r.Stop()

	r.Arm(10*time.Millisecond, node.EventWake)

	select {
	case ev := <-events:
		if ev != node.EventWake {
			t.Errorf("event = %v, want %v", ev, node.EventWake)
		}
	case <-time.After(time.Second):
		t.Fatal("wake event not delivered")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected second event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestArm_ReplacesPending(t *testing.T) {
	events := node.NewMailbox()
	r := New(events, nil, quietLogger())
	defer r.Stop()

	r.Arm(30*time.Millisecond, node.Event(1))
	r.Arm(60*time.Millisecond, node.EventWake)

	select {
	case ev := <-events:
		if ev != node.EventWake {
			t.Errorf("event = %v, want %v", ev, node.EventWake)
		}
	case <-time.After(time.Second):
		t.Fatal("wake event not delivered")
	}

	select {
	case ev := <-events:
		t.Fatalf("replaced alarm still fired: %v", ev)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestArm_FullMailboxDoesNotBlock(t *testing.T) {
	events := make(chan node.Event) // unbuffered, nobody receiving
	r := New(events, nil, quietLogger())
	defer r.Stop()

	done := make(chan struct{})
	go func() {
		r.deliver(node.EventWake)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a full mailbox")
	}
}

func TestArmReset_FiresHandler(t *testing.T) {
	var fired atomic.Int32
	r := New(node.NewMailbox(), func() { fired.Add(1) }, quietLogger())
	defer r.Stop()

	r.ArmReset(10 * time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("reset fired %d times, want 1", got)
	}
}

func TestArmReset_RearmPostpones(t *testing.T) {
	var fired atomic.Int32
	r := New(node.NewMailbox(), func() { fired.Add(1) }, quietLogger())
	defer r.Stop()

	r.ArmReset(40 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	r.ArmReset(200 * time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	if got := fired.Load(); got != 0 {
		t.Errorf("reset fired %d times before re-armed deadline, want 0", got)
	}
}

func TestStop_CancelsPending(t *testing.T) {
	events := node.NewMailbox()
	var fired atomic.Int32
	r := New(events, func() { fired.Add(1) }, quietLogger())

	r.Arm(20*time.Millisecond, node.EventWake)
	r.ArmReset(20 * time.Millisecond)
	r.Stop()
	r.Arm(5*time.Millisecond, node.EventWake)

	time.Sleep(60 * time.Millisecond)
	if len(events) != 0 {
		t.Errorf("events delivered after Stop: %d", len(events))
	}
	if fired.Load() != 0 {
		t.Errorf("reset fired after Stop")
	}
}
