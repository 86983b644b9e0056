package core

import (
	"context"
)

// Completer produces text for a prompt. Language-model providers implement it;
// the kernel treats whatever it returns as opaque content.
type Completer interface {
	Complete(ctx context.Context, model string, prompt string) (string, error)
}

// Runner drives a coordination session forward.
type Runner interface {
	// Step runs one round of agent work
	Step(ctx context.Context) (StepReport, error)
	// Stop releases the session; further steps fail
	Stop() error
}

// StepReport summarizes one Runner step.
type StepReport struct {
	Step        int
	Handled     int
	Conflicts   int
	Resolved    int
	Escalated   int
	FollowUps   int
	AgentErrors []error
}
