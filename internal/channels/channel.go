// Package channels defines the delivery channel abstraction the
// notification dispatcher sends through, and its implementations.
package channels

import "context"

// Outcome classifies one delivery attempt as seen by the dispatcher.
// Transient outcomes are retried; permanent ones short-circuit to failed.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeTransient Outcome = "transient_failure"
	OutcomePermanent Outcome = "permanent_failure"
)

// Channel is an external notifier. Send must honor ctx cancellation and
// deadlines; the dispatcher imposes a timeout on every call and treats a
// deadline as a transient failure.
type Channel interface {
	// Name returns the unique name of the channel (e.g. "telegram").
	Name() string

	// Send delivers content to recipient and classifies the result. The
	// error carries detail for the audit trail; the Outcome decides the
	// dispatcher's next step.
	Send(ctx context.Context, recipient, content string) (Outcome, error)
}
