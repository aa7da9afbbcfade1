package timer

import (
	"testing"
)

func TestTimerOrdering(t *testing.T) {
	manager := NewManager()
	var order []int
	first := &Timeout{}
	second := &Timeout{}
	manager.Set(second, func() { order = append(order, 2) }, 2000, 0)
	manager.Set(first, func() { order = append(order, 1) }, 1000, 0)

	if !manager.ProcessNextTimeout(1500) {
		t.Fatal("first timeout not processed")
	}
	if manager.ProcessNextTimeout(1500) {
		t.Fatal("second timeout fired early")
	}
	if !manager.ProcessNextTimeout(2500) {
		t.Fatal("second timeout not processed")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("wrong order %v", order)
	}
}

func TestTimerWraparound(t *testing.T) {
	manager := NewManager()
	fired := 0
	// Deadline crosses the 32 bit boundary
	now := uint32(0xFFFFFF00)
	manager.Set(&Timeout{}, func() { fired++ }, 0x200, now)

	if manager.ProcessNextTimeout(0xFFFFFFF0) {
		t.Fatal("fired before wrap")
	}
	// Now past the wrapped deadline (0x100)
	if !manager.ProcessNextTimeout(0x180) {
		t.Fatal("did not fire after wrap")
	}
	if fired != 1 {
		t.Errorf("fired %v times", fired)
	}
}

func TestTimerCancel(t *testing.T) {
	manager := NewManager()
	fired := 0
	timeout := &Timeout{}
	manager.Set(timeout, func() { fired++ }, 100, 0)
	if !manager.Cancel(timeout) {
		t.Fatal("cancel of armed timeout failed")
	}
	if manager.Cancel(timeout) {
		t.Fatal("cancel of idle timeout succeeded")
	}
	if manager.ProcessNextTimeout(200) {
		t.Fatal("cancelled timeout fired")
	}
	if fired != 0 {
		t.Errorf("fired %v times", fired)
	}
}

func TestTimerRearm(t *testing.T) {
	manager := NewManager()
	fired := 0
	timeout := &Timeout{}
	manager.Set(timeout, func() { fired++ }, 100, 0)
	// Re-arming moves the deadline instead of duplicating the entry
	manager.Set(timeout, func() { fired++ }, 500, 0)
	if manager.ProcessNextTimeout(200) {
		t.Fatal("original deadline survived re-arm")
	}
	if !manager.ProcessNextTimeout(600) {
		t.Fatal("re-armed timeout missing")
	}
	if fired != 1 {
		t.Errorf("fired %v times", fired)
	}
}

func TestTimerCyclic(t *testing.T) {
	manager := NewManager()
	fired := 0
	timeout := &Timeout{}
	manager.SetCyclic(timeout, func() { fired++ }, 100, 0)
	for now := uint32(100); now <= 300; now += 100 {
		if !manager.ProcessNextTimeout(now) {
			t.Fatalf("cyclic timeout missing at %v", now)
		}
	}
	if fired != 3 {
		t.Errorf("fired %v times", fired)
	}
	if !timeout.IsArmed() {
		t.Error("cyclic timeout disarmed")
	}
}

func TestTimerGetNextDelta(t *testing.T) {
	manager := NewManager()
	if _, ok := manager.GetNextDelta(0); ok {
		t.Fatal("delta on empty list")
	}
	manager.Set(&Timeout{}, func() {}, 500, 100)
	delta, ok := manager.GetNextDelta(200)
	if !ok || delta != 400 {
		t.Errorf("delta %v %v", delta, ok)
	}
	delta, ok = manager.GetNextDelta(700)
	if !ok || delta != 0 {
		t.Errorf("expired delta %v %v", delta, ok)
	}
}
