package mailer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/foxzi/drip/internal/model"
)

// ErrUnknownAction is returned when no action is registered for a class/action pair
var ErrUnknownAction = errors.New("unknown mailer action")

// Mode selects how an action receives the mailing it builds a message for
type Mode int

const (
	// ModeDefault passes the mailing as the action's first argument
	ModeDefault Mode = iota
	// ModeParameterized passes the mailing as the "mailing" parameter
	ModeParameterized
)

func (m Mode) String() string {
	if m == ModeParameterized {
		return "parameterized"
	}
	return "default"
}

// ParseMode parses "default" or "parameterized"
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "default":
		return ModeDefault, nil
	case "parameterized":
		return ModeParameterized, nil
	}
	return ModeDefault, fmt.Errorf("invalid mailer mode %q (must be default or parameterized)", s)
}

// Input is what an action is called with
type Input struct {
	Mode    Mode
	Args    []any
	Params  map[string]any
	Options map[string]string
}

// Mailing returns the mailing the action was invoked for, looking at the
// parameters, the arguments and finally the context
func (in Input) Mailing(ctx context.Context) *model.Mailing {
	if m, ok := in.Params["mailing"].(*model.Mailing); ok {
		return m
	}
	if len(in.Args) > 0 {
		if m, ok := in.Args[0].(*model.Mailing); ok {
			return m
		}
	}
	return MailingFrom(ctx)
}

// Action builds an outbound message
type Action func(ctx context.Context, in Input) (*Message, error)

type mailingKey struct{}

// WithMailing returns a context carrying m for actions that read their mailing
// from the call context
func WithMailing(ctx context.Context, m *model.Mailing) context.Context {
	return context.WithValue(ctx, mailingKey{}, m)
}

// MailingFrom returns the mailing carried by ctx, if any
func MailingFrom(ctx context.Context) *model.Mailing {
	m, _ := ctx.Value(mailingKey{}).(*model.Mailing)
	return m
}

// Registry maps stable class/action keys to actions. It is populated at
// startup.
type Registry struct {
	mu         sync.RWMutex
	actions    map[string]Action
	dispatcher *Dispatcher
}

// NewRegistry creates a registry whose messages dispatch through d
func NewRegistry(d *Dispatcher) *Registry {
	return &Registry{
		actions:    make(map[string]Action),
		dispatcher: d,
	}
}

// Handle registers fn for class/action, replacing any previous action
func (r *Registry) Handle(class, action string, fn Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[key(class, action)] = fn
}

// Lookup returns the action registered for class/action
func (r *Registry) Lookup(class, action string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[key(class, action)]
	return fn, ok
}

// Build calls the action for class/action and binds the result to the
// registry's dispatcher
func (r *Registry) Build(ctx context.Context, class, action string, in Input) (*Message, error) {
	fn, ok := r.Lookup(class, action)
	if !ok {
		return nil, fmt.Errorf("%w: %s#%s", ErrUnknownAction, class, action)
	}

	msg, err := fn(ctx, in)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("mailer %s#%s returned no message", class, action)
	}
	msg.dispatcher = r.dispatcher
	return msg, nil
}

// Dispatcher returns the dispatcher messages are bound to
func (r *Registry) Dispatcher() *Dispatcher {
	return r.dispatcher
}

func key(class, action string) string {
	return class + "#" + action
}
