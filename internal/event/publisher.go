package event

import (
	"context"
	"errors"
)

// Publisher delivers events to downstream consumers. Delivery happens after
// the state change has been committed and never undoes it.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Nop is a Publisher that drops every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, ...Event) error { return nil }

// Fanout publishes to every wrapped publisher, joining their errors.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
