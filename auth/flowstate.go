package auth

import "fmt"

// FlowState is the login flow's position.
type FlowState int

const (
	Idle FlowState = iota
	Authenticating
	Exchanging
	Authenticated
	Error
)

func (s FlowState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authenticating:
		return "authenticating"
	case Exchanging:
		return "exchanging"
	case Authenticated:
		return "authenticated"
	case Error:
		return "error"
	}
	return fmt.Sprintf("FlowState(%d)", int(s))
}

// Outcome is the non-error result of Login, HandleRedirect and Dispatch.
type Outcome int

const (
	OutcomeAuthenticated Outcome = iota + 1
	// OutcomeCancelled: the user or the application cancelled the handoff.
	OutcomeCancelled
	// OutcomeDismissed: the user agent was closed without a redirect.
	OutcomeDismissed
	// OutcomeInProgress: Login was called while another attempt is active.
	OutcomeInProgress
	// OutcomeDuplicate: the callback's state was already consumed.
	OutcomeDuplicate
	// OutcomeIgnored: the URL is not addressed to the redirect URI.
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeDismissed:
		return "dismissed"
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}
