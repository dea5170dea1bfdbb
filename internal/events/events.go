// Package events fans job lifecycle notifications out to external sinks.
package events

import (
	"context"
	"errors"

	"videogen-queue/internal/models"
)

// Notifier receives job lifecycle events. Implementations must be safe for
// concurrent use; a failing sink never affects the job itself.
type Notifier interface {
	Notify(ctx context.Context, ev models.JobEvent) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev models.JobEvent) error

func (f NotifierFunc) Notify(ctx context.Context, ev models.JobEvent) error { return f(ctx, ev) }

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, models.JobEvent) error { return nil }

// Multi delivers each event to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev models.JobEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
