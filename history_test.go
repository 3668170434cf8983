package main

import "testing"

func TestRouteHistory(t *testing.T) {
	var h RouteHistory

	if got := h.Get("+491701234567", "12345"); got != "" {
		t.Fatalf("empty history returned %q", got)
	}

	// box "app1" sends an MT from 12345 to +4917...; the reply routes back
	h.Add("app1", "12345", "+491701234567")
	if got := h.Get("+491701234567", "12345"); got != "app1" {
		t.Fatalf("reply route %q, want app1", got)
	}

	// a later MT on the same pair from another box takes over
	h.Add("app2", "12345", "+491701234567")
	if got := h.Get("+491701234567", "12345"); got != "app2" {
		t.Fatalf("reply route %q, want app2", got)
	}

	// other pairs stay unknown
	if got := h.Get("+491701234567", "99999"); got != "" {
		t.Fatalf("unrelated pair returned %q", got)
	}

	// anonymous boxes are not recorded
	h.Add("", "111", "222")
	if got := h.Get("222", "111"); got != "" {
		t.Fatalf("anonymous box recorded as %q", got)
	}
}
