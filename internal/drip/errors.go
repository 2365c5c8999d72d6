package drip

import (
	"fmt"
)

// DuplicateActionError is returned when an action is registered twice in a collection
type DuplicateActionError struct {
	Action string
}

func (e *DuplicateActionError) Error() string {
	return fmt.Sprintf("drip %q already registered", e.Action)
}

// UnresolvedDripError is returned when a mailing's action has no definition
// in the campaign's collection at send time
type UnresolvedDripError struct {
	Campaign string
	Action   string
}

func (e *UnresolvedDripError) Error() string {
	return fmt.Sprintf("campaign %s: no drip for action %q", e.Campaign, e.Action)
}

// DeliveryError wraps a failure reported by the mailer capability
type DeliveryError struct {
	MailingID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver mailing %s: %v", e.MailingID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
