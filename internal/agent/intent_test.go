package agent

import "testing"

func TestClassifyIntents(t *testing.T) {
	tests := []struct {
		message string
		want    Intents
	}{
		{"What does this error mean?", Intents{}},
		{"It's STILL FAILING after the last change", Intents{Retry: true}},
		{"I see the same error in the new run", Intents{Retry: true}},
		{"Can you try again with a different approach?", Intents{Retry: true}},
		{"Please create an MR with these changes", Intents{CreateMR: true}},
		{"create a merge request for the fix", Intents{CreateMR: true}},
		{"Apply the fix we discussed", Intents{ApplyFix: true}},
		{"apply that fix and create the mr", Intents{CreateMR: true, ApplyFix: true}},
		// "create" without an MR word, "fix" without "apply".
		{"create a new config file to fix this", Intents{}},
		{"Still failing, apply the fix and create a merge request",
			Intents{Retry: true, CreateMR: true, ApplyFix: true}},
	}
	for _, tc := range tests {
		if got := ClassifyIntents(tc.message); got != tc.want {
			t.Errorf("ClassifyIntents(%q) = %+v, want %+v", tc.message, got, tc.want)
		}
	}
}

func TestWantsNewAttempt(t *testing.T) {
	tests := []struct {
		name     string
		in       Intents
		attempts int
		want     bool
	}{
		{"plain question", Intents{}, 3, false},
		{"retry", Intents{Retry: true}, 0, true},
		{"apply fix", Intents{ApplyFix: true}, 0, true},
		{"first MR is free", Intents{CreateMR: true}, 0, false},
		{"repeat MR consumes an attempt", Intents{CreateMR: true}, 1, true},
	}
	for _, tc := range tests {
		if got := tc.in.WantsNewAttempt(tc.attempts); got != tc.want {
			t.Errorf("%s: WantsNewAttempt(%d) = %v, want %v", tc.name, tc.attempts, got, tc.want)
		}
	}
}
