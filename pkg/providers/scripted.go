package providers

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Scripted answers prompts from a fixed table, keyed by a substring of the
// prompt. It needs no network and is deterministic, which makes it the
// default for dry runs and tests.
type Scripted struct {
	mu        sync.Mutex
	responses map[string]string
	keys      []string
	fallback  string
	calls     int
}

// DefaultScript makes the four debugging roles disagree on remediation.
func DefaultScript() map[string]string {
	return map[string]string{
		"role: detector":     "DECISION: rollback\nCONFIDENCE: 0.8\nREASON: error rate rose right after the last deploy",
		"role: verifier":     "DECISION: rollback\nCONFIDENCE: 0.6\nREASON: reproduced the failure on the new build only",
		"role: strategist":   "DECISION: patch\nCONFIDENCE: 0.9\nREASON: the nil check is a one line fix",
		"role: orchestrator": "DECISION: patch\nCONFIDENCE: 0.5\nREASON: patching keeps the other fixes in the release",
	}
}

func NewScripted(responses map[string]string) *Scripted {
	s := &Scripted{
		responses: make(map[string]string, len(responses)),
		fallback:  "DECISION: investigate\nCONFIDENCE: 0.3",
	}
	for k, v := range responses {
		s.responses[k] = v
		s.keys = append(s.keys, k)
	}
	// longer keys are more specific
	sort.Slice(s.keys, func(i, j int) bool {
		if len(s.keys[i]) != len(s.keys[j]) {
			return len(s.keys[i]) > len(s.keys[j])
		}
		return s.keys[i] < s.keys[j]
	})
	return s
}

func (s *Scripted) Complete(ctx context.Context, model string, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	lower := strings.ToLower(prompt)
	for _, k := range s.keys {
		if strings.Contains(lower, strings.ToLower(k)) {
			return s.responses[k], nil
		}
	}
	return s.fallback, nil
}

// Calls reports how many prompts have been answered.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
