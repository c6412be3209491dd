package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestBetState_Terminal(t *testing.T) {
	tests := []struct {
		state BetState
		want  bool
	}{
		{BetPending, false},
		{BetActive, false},
		{BetCashedOut, true},
		{BetCrashed, true},
		{BetCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoundRecord_ViewSealsOutcome(t *testing.T) {
	now := time.Now()
	rec := RoundRecord{
		ID:             7,
		ServerSeed:     "abc",
		ServerSeedHash: HashCommitment("abc"),
		ClientSeed:     "x",
		CombinedDigest: CombineSeeds("abc", "x", 7),
		CrashPoint:     dec("1.56"),
		State:          RoundActive,
		CreatedAt:      now,
		StartedAt:      &now,
	}

	data, err := json.Marshal(rec.View())
	if err != nil {
		t.Fatalf("Failed to marshal Round: %v", err)
	}
	for _, secret := range []string{`"server_seed"`, `"reveal"`, rec.CombinedDigest, `"1.56"`} {
		if strings.Contains(string(data), secret) {
			t.Errorf("active round view leaks %s: %s", secret, data)
		}
	}

	rec.State = RoundCrashed
	rec.Outcome = OutcomeCrashed
	view := rec.View()
	if view.Reveal == nil {
		t.Fatal("crashed round view has no reveal")
	}
	if view.Reveal.ServerSeed != "abc" || !view.Reveal.CrashPoint.Equal(dec("1.56")) {
		t.Errorf("Reveal = %+v", view.Reveal)
	}
	if view.Outcome != OutcomeCrashed {
		t.Errorf("Outcome = %q, want %q", view.Outcome, OutcomeCrashed)
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := error(&InvalidTransitionError{Op: "begin", From: RoundPending})
	if !strings.Contains(err.Error(), "begin") || !strings.Contains(err.Error(), "pending") {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(fmt.Errorf("tick: %w", err), ErrInvalidTransition) {
		t.Error("wrapped InvalidTransitionError should match ErrInvalidTransition")
	}
}
