// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrVersionConflict is returned by store updates whose expected version is stale.
	ErrVersionConflict = errors.New("version conflict")
	// ErrAlreadyApplied marks a transition into the state the entity is already in.
	ErrAlreadyApplied = errors.New("transition already applied")
	// ErrDuplicateEvent marks a webhook event whose id was already applied.
	ErrDuplicateEvent = errors.New("duplicate webhook event")
	// ErrUnknownReference marks a webhook for an external id we never recorded.
	ErrUnknownReference = errors.New("unknown external reference")
	ErrMessageNotFound  = errors.New("message not found")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnsupportedEvent = errors.New("unsupported webhook event")
	// ErrScheduleNotInFuture rejects a schedule time at or before now.
	ErrScheduleNotInFuture = errors.New("scheduled time must be in the future")
)

// ErrCampaignNotFound is returned when a campaign id does not exist.
type ErrCampaignNotFound struct {
	CampaignID uuid.UUID
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id uuid.UUID) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// InvalidTransitionError reports a state machine violation. It is surfaced to
// the caller and never retried.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition from %s to %s", e.Entity, e.From, e.To)
}

func NewInvalidTransition(entity, from, to string) error {
	return &InvalidTransitionError{Entity: entity, From: from, To: to}
}

// TransientProviderError covers timeouts, 5xx responses and provider throttling.
type TransientProviderError struct {
	Provider   string
	Code       string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: transient failure (%s): %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// Failure reasons carried by PermanentProviderError.
const (
	ReasonInvalidRecipient = "invalid_recipient"
	ReasonRCSNotSupported  = "rcs_not_supported"
	ReasonRejected         = "rejected"
	ReasonCarrierFailure   = "carrier_failure"
	ReasonRetryExhausted   = "retry_exhausted"
)

// PermanentProviderError is a rejection the provider flagged as final.
type PermanentProviderError struct {
	Provider string
	Code     string
	Reason   string
	Err      error
}

func (e *PermanentProviderError) Error() string {
	return fmt.Sprintf("%s: permanent failure (%s/%s): %v", e.Provider, e.Reason, e.Code, e.Err)
}

func (e *PermanentProviderError) Unwrap() error { return e.Err }

func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *ErrCampaignNotFound
	return errors.As(err, &target) || errors.Is(err, ErrMessageNotFound)
}
