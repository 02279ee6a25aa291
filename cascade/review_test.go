/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"testing"
	"time"
)

func TestSeekApproval_NotRequiredApprovesImmediately(t *testing.T) {
	rs := NewReviewServer()
	decision := rs.SeekApproval(ReviewRequest{Zone: "example.org.", Serial: 1}, false, "")
	if !decision.Approved {
		t.Fatal("review-not-required must approve immediately")
	}
}

func TestSeekApproval_HookExitStatusDecides(t *testing.T) {
	rs := NewReviewServer()

	approved := rs.SeekApproval(ReviewRequest{Zone: "example.org.", Serial: 1}, true, "exit 0")
	if !approved.Approved {
		t.Fatalf("hook exiting 0 should approve, got %+v", approved)
	}

	rejected := rs.SeekApproval(ReviewRequest{Zone: "example.org.", Serial: 2}, true, "exit 3")
	if rejected.Approved {
		t.Fatalf("hook exiting non-zero should reject, got %+v", rejected)
	}
	if rejected.Reason == "" {
		t.Error("rejection by hook should carry a reason")
	}
}

// The hook environment carries the zone, serial, and per-review token.
func TestSeekApproval_HookSeesEnvironment(t *testing.T) {
	rs := NewReviewServer()
	hook := `[ "$CASCADE_ZONE" = "example.org." ] && [ "$CASCADE_SERIAL" = "7" ] && [ -n "$CASCADE_REVIEW_TOKEN" ]`
	decision := rs.SeekApproval(ReviewRequest{Zone: "example.org.", Serial: 7}, true, hook)
	if !decision.Approved {
		t.Fatalf("hook should observe CASCADE_ZONE/CASCADE_SERIAL/CASCADE_REVIEW_TOKEN, got %+v", decision)
	}
}

func TestDecide_ManualDecisionUnblocksSeekApproval(t *testing.T) {
	rs := NewReviewServer()

	done := make(chan ReviewDecision, 1)
	go func() {
		done <- rs.SeekApproval(ReviewRequest{Zone: "example.org.", Serial: 5}, true, "")
	}()

	// Wait for the pending review to register, then decide it manually.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := rs.Decide("example.org.", 5, false, "stale glue records"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("review never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	decision := <-done
	if decision.Approved {
		t.Fatal("manual rejection should propagate")
	}
	if decision.Reason != "stale glue records" {
		t.Fatalf("reason = %q, want the manual reason", decision.Reason)
	}
}

func TestDecide_UnknownReviewRejected(t *testing.T) {
	rs := NewReviewServer()
	if err := rs.Decide("example.org.", 1, true, ""); err != ErrNotUnderReview {
		t.Fatalf("err = %v, want ErrNotUnderReview", err)
	}
	if err := rs.DecideByToken("deadbeef", true, ""); err != ErrNotUnderReview {
		t.Fatalf("err = %v, want ErrNotUnderReview", err)
	}
}

func TestDecideByToken_ResolvesPendingReview(t *testing.T) {
	rs := NewReviewServer()

	done := make(chan ReviewDecision, 1)
	go func() {
		done <- rs.SeekApproval(ReviewRequest{Zone: "example.org.", Serial: 9}, true, "")
	}()

	var token string
	deadline := time.Now().Add(2 * time.Second)
	for token == "" {
		rs.mu.Lock()
		token = rs.keyTokens[pendingKey{zone: "example.org.", serial: 9}]
		rs.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("no token minted for the pending review")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := rs.DecideByToken(token, true, ""); err != nil {
		t.Fatalf("DecideByToken: %v", err)
	}
	decision := <-done
	if !decision.Approved {
		t.Fatal("token-approved review should come back approved")
	}
}
