package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/store"
)

// Registry holds the drippers of the process keyed by campaign slug. It
// hooks into the mailer dispatcher so before_send and after_send run for
// every message carrying a mailing, whichever path sent it.
type Registry struct {
	mailers *mailer.Registry
	store   store.Store
	logger  *slog.Logger

	mu       sync.RWMutex
	drippers map[string]*Dripper
}

// NewRegistry creates a registry and installs its dispatch hooks on the
// mailers' dispatcher
func NewRegistry(mailers *mailer.Registry, st store.Store, logger *slog.Logger) *Registry {
	r := &Registry{
		mailers:  mailers,
		store:    st,
		logger:   logger,
		drippers: make(map[string]*Dripper),
	}

	dispatcher := mailers.Dispatcher()
	dispatcher.Intercept(r.beforeDispatch)
	dispatcher.Observe(r.afterDispatch)
	return r
}

// NewDripper creates and registers the dripper of campaign slug
func (r *Registry) NewDripper(slug string, cfg Config) (*Dripper, error) {
	if slug == "" {
		return nil, errors.New("campaign slug is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.drippers[slug]; ok {
		return nil, fmt.Errorf("campaign %q already registered", slug)
	}
	d := newDripper(slug, r.store, r.mailers, cfg, r.logger)
	r.drippers[slug] = d
	return d, nil
}

// Dripper returns the dripper of campaign slug
func (r *Registry) Dripper(slug string) (*Dripper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drippers[slug]
	return d, ok
}

// Drippers returns every registered dripper ordered by slug
func (r *Registry) Drippers() []*Dripper {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Dripper, 0, len(r.drippers))
	for _, d := range r.drippers {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].slug < list[j].slug })
	return list
}

// DeliverAsync is the entry point of the asynchronous delivery job. It
// re-enters the delivery path by mailing ID and does nothing when the
// mailing no longer exists or is already sent or skipped.
func (r *Registry) DeliverAsync(ctx context.Context, mailingID string) error {
	m, err := r.store.GetMailing(ctx, mailingID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Debug("async delivery of missing mailing", "mailing_id", mailingID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load mailing %s: %w", mailingID, err)
	}
	if m.Finished() {
		return nil
	}

	d, ok := r.Dripper(m.Campaign)
	if !ok {
		return fmt.Errorf("mailing %s: unknown campaign %q", mailingID, m.Campaign)
	}

	_, err = d.deliver(ctx, m, false)
	return err
}

// Perform implements the job runner's performer interface
func (r *Registry) Perform(ctx context.Context, mailingID string) error {
	return r.DeliverAsync(ctx, mailingID)
}

func (r *Registry) beforeDispatch(ctx context.Context, msg *mailer.Message) error {
	m := msg.Mailing()
	if m == nil {
		return nil
	}
	d, ok := r.Dripper(m.Campaign)
	if !ok {
		return nil
	}
	return runSend(ctx, d.snapshot().beforeSend, m, msg)
}

func (r *Registry) afterDispatch(ctx context.Context, msg *mailer.Message) error {
	m := msg.Mailing()
	if m == nil {
		return nil
	}
	d, ok := r.Dripper(m.Campaign)
	if !ok {
		return nil
	}
	return d.markSent(ctx, m, msg)
}
