package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
)

type KeySource string

const (
	KeyFromEventID   KeySource = "event_id"
	KeyFromComposite KeySource = "composite"
)

// DeriveKey returns a stable idempotency key for a webhook event and the
// source used. Providers that omit event ids are keyed on a hash of
// (provider, external id, type, timestamp).
func DeriveKey(ev model.WebhookEvent) (string, KeySource) {
	if ev.EventID != "" {
		return fmt.Sprintf("webhook:%s:%s", ev.Provider, ev.EventID), KeyFromEventID
	}
	composite := fmt.Sprintf("%s|%s|%s|%d", ev.Provider, ev.ExternalID, ev.Type, ev.Timestamp.UnixNano())
	sum := sha256.Sum256([]byte(composite))
	return "webhook:" + ev.Provider + ":" + hex.EncodeToString(sum[:]), KeyFromComposite
}
