// Package messaging defines the interface to the email-sending collaborator.
package messaging

import (
	"context"
	"errors"
)

// ErrRejected is returned when the messaging service permanently refuses
// a send, for example because the template was deleted or the contact
// is suppressed. Retrying a rejected send will not succeed.
var ErrRejected = errors.New("send rejected")

// Sender requests email sends.
type Sender interface {
	// RequestSend asks for template to be sent to contactID.
	// Repeated requests with the same idempotency key result in
	// at most one accepted send. A nil error means the send was accepted.
	RequestSend(ctx context.Context, idempotencyKey, contactID, template string) error
}
