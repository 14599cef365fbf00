package membership

import "testing"

func TestCoalescerFirstSubmitRuns(t *testing.T) {
	c := newCoalescer[int]()

	msg, run := c.Submit("peer", 1)
	if !run || msg != 1 {
		t.Fatalf("first submit should run immediately, got (%v, %v)", msg, run)
	}
}

func TestCoalescerStashesWhileInFlight(t *testing.T) {
	c := newCoalescer[int]()

	c.Submit("peer", 1)

	_, run := c.Submit("peer", 2)
	if run {
		t.Fatal("second submit while in-flight should not run immediately")
	}

	_, run = c.Submit("peer", 3)
	if run {
		t.Fatal("third submit should also stash, replacing the second")
	}

	next, more := c.Drain("peer")
	if !more || next != 3 {
		t.Fatalf("Drain should surface the latest stashed message (3), got (%v, %v)", next, more)
	}

	_, more = c.Drain("peer")
	if more {
		t.Fatal("second Drain should find nothing left and clear the in-flight marker")
	}

	_, run = c.Submit("peer", 4)
	if !run {
		t.Fatal("a fresh Submit after the in-flight marker clears should run immediately")
	}
}

func TestCoalescerIndependentSources(t *testing.T) {
	c := newCoalescer[string]()

	_, runA := c.Submit("a", "x")
	_, runB := c.Submit("b", "y")
	if !runA || !runB {
		t.Fatal("distinct sources should not block each other")
	}
}
