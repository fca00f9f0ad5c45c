package processor

import (
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrSignatureInvalid marks an envelope that failed authentication. These
// are untrusted, not transient: the caller must reject with a 4xx so the
// sender does not redeliver.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// MaxEventBodyBytes bounds the webhook request body.
const MaxEventBodyBytes = 1 << 20

// VerifyEvent authenticates a signed event envelope and decodes it.
// Pure function, no side effects.
func VerifyEvent(payload []byte, sigHeader, secret string) (*stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return &event, nil
}
