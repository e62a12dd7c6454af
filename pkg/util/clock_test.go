package util

import "testing"

func TestManualClockFiresOnAdvance(t *testing.T) {
	c := NewManualClock()
	start := c.Now()

	ch := c.After(100)
	select {
	case <-ch:
		t.Fatal("timer fired before any Advance")
	default:
	}

	c.Advance(50)
	select {
	case <-ch:
		t.Fatal("timer fired before its deadline")
	default:
	}

	c.Advance(50)
	select {
	case fired := <-ch:
		if fired != start.Add(100) {
			t.Fatalf("expected fire time %v, got %v", start.Add(100), fired)
		}
	default:
		t.Fatal("expected timer to fire once its deadline elapsed")
	}
}

func TestManualClockFiresImmediatelyForZeroDuration(t *testing.T) {
	c := NewManualClock()
	ch := c.After(0)
	select {
	case <-ch:
	default:
		t.Fatal("expected a zero-duration After to fire without any Advance")
	}
}

func TestManualClockFiresMultiplePendingTimersInOneAdvance(t *testing.T) {
	c := NewManualClock()
	short := c.After(10)
	long := c.After(30)

	c.Advance(20)
	select {
	case <-short:
	default:
		t.Fatal("expected the shorter timer to have fired")
	}
	select {
	case <-long:
		t.Fatal("longer timer should not have fired yet")
	default:
	}

	c.Advance(10)
	select {
	case <-long:
	default:
		t.Fatal("expected the longer timer to fire once its deadline elapsed")
	}
}
