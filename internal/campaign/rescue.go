package campaign

import (
	"context"
	"errors"

	"github.com/foxzi/drip/internal/drip"
)

// RescueHandler handles an error raised while delivering a mailing. Returning
// nil marks the error handled; a returned error propagates instead.
type RescueHandler func(ctx context.Context, s drip.Scope, err error) error

type rescuer struct {
	match  func(err error) bool
	handle RescueHandler
}

// RescueFrom registers handler for errors of type T. The most specific
// handler wins: the error chain is searched from its innermost cause outward
// and, at each level, later registrations are tried before earlier ones.
func RescueFrom[T error](d *Dripper, handler func(ctx context.Context, s drip.Scope, err T) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rescuers = append(d.rescuers, rescuer{
		match: func(err error) bool {
			_, ok := err.(T)
			return ok
		},
		handle: func(ctx context.Context, s drip.Scope, err error) error {
			return handler(ctx, s, err.(T))
		},
	})
}

// RescueIs registers handler for a sentinel error value
func (d *Dripper) RescueIs(target error, handler RescueHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rescuers = append(d.rescuers, rescuer{
		match:  func(err error) bool { return errors.Is(err, target) },
		handle: handler,
	})
}

// RescueAll registers a handler for errors no typed handler matched
func (d *Dripper) RescueAll(handler RescueHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rescueAll = append(d.rescueAll, handler)
}

// rescue runs the single best matching handler for err. The error is
// returned unchanged when nothing matches.
func (d *Dripper) rescue(ctx context.Context, s drip.Scope, err error) error {
	d.mu.RLock()
	rescuers := append([]rescuer(nil), d.rescuers...)
	fallback := append([]RescueHandler(nil), d.rescueAll...)
	d.mu.RUnlock()

	chain := errorChain(err)
	for i := len(chain) - 1; i >= 0; i-- {
		for j := len(rescuers) - 1; j >= 0; j-- {
			if rescuers[j].match(chain[i]) {
				return rescuers[j].handle(ctx, s, chain[i])
			}
		}
	}

	if n := len(fallback); n > 0 {
		return fallback[n-1](ctx, s, err)
	}
	return err
}

// errorChain flattens err and its wrapped causes, outermost first
func errorChain(err error) []error {
	var chain []error
	var walk func(error)
	walk = func(e error) {
		for e != nil {
			chain = append(chain, e)
			switch x := e.(type) {
			case interface{ Unwrap() []error }:
				for _, inner := range x.Unwrap() {
					walk(inner)
				}
				return
			default:
				e = errors.Unwrap(e)
			}
		}
	}
	walk(err)
	return chain
}
