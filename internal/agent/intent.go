package agent

import "strings"

// Intents are the request categories detected in a user message. Categories
// are independent: one message can both apply a fix and ask for a merge
// request.
type Intents struct {
	Retry    bool // previous fix did not work, try again
	CreateMR bool // open a merge request
	ApplyFix bool // apply the discussed fix
}

// retryPhrases mark a message as reporting that a previous fix failed.
var retryPhrases = []string{"still failing", "same error", "try again"}

// ClassifyIntents detects request categories by case-insensitive substring
// match against the message.
func ClassifyIntents(message string) Intents {
	s := strings.ToLower(message)

	var in Intents
	for _, p := range retryPhrases {
		if strings.Contains(s, p) {
			in.Retry = true
			break
		}
	}
	in.CreateMR = strings.Contains(s, "create") &&
		(strings.Contains(s, "mr") || strings.Contains(s, "merge request"))
	in.ApplyFix = strings.Contains(s, "apply") && strings.Contains(s, "fix")
	return in
}

// WantsNewAttempt reports whether the message asks for work that consumes a
// fix attempt. A bare MR request only does once fixes already exist.
func (in Intents) WantsNewAttempt(attempts int) bool {
	return in.Retry || in.ApplyFix || (in.CreateMR && attempts > 0)
}
