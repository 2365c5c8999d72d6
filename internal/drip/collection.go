package drip

import (
	"sync"

	"github.com/foxzi/drip/internal/model"
)

// Collection is the ordered set of drip definitions of one campaign.
// Reads are safe while definitions are being added or removed.
type Collection struct {
	mu    sync.RWMutex
	order []string
	drips map[string]*Definition
}

// NewCollection creates an empty collection
func NewCollection() *Collection {
	return &Collection{
		drips: make(map[string]*Definition),
	}
}

// Register appends def. Actions are unique within a collection.
func (c *Collection) Register(def *Definition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.drips[def.Action]; ok {
		return &DuplicateActionError{Action: def.Action}
	}
	c.drips[def.Action] = def
	c.order = append(c.order, def.Action)
	return nil
}

// Remove drops the definition for action. Mailings already scheduled for it
// fail to resolve when processed.
func (c *Collection) Remove(action string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.drips[action]; !ok {
		return false
	}
	delete(c.drips, action)
	for i, a := range c.order {
		if a == action {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Resolve returns the definition registered for action
func (c *Collection) Resolve(action string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.drips[action]
	return def, ok
}

// FirstApplicable returns the first definition, in registration order, whose
// predicate accepts m
func (c *Collection) FirstApplicable(m *model.Mailing) *Definition {
	for _, def := range c.Definitions() {
		if def.IsApplicable(m) {
			return def
		}
	}
	return nil
}

// Definitions returns a snapshot of the definitions in registration order
func (c *Collection) Definitions() []*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	defs := make([]*Definition, 0, len(c.order))
	for _, action := range c.order {
		defs = append(defs, c.drips[action])
	}
	return defs
}

// Actions returns the registered actions in registration order
func (c *Collection) Actions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	actions := make([]string, len(c.order))
	copy(actions, c.order)
	return actions
}

// MustResolve is Resolve reporting a missing action as *UnresolvedDripError
func (c *Collection) MustResolve(campaign, action string) (*Definition, error) {
	def, ok := c.Resolve(action)
	if !ok {
		return nil, &UnresolvedDripError{Campaign: campaign, Action: action}
	}
	return def, nil
}
