// Package inmem implements an in-memory messaging sender that records sends.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/micromdm/nanoflow/messaging"
)

var ErrEmptyKey = errors.New("empty idempotency key")

// Send is a single accepted send.
type Send struct {
	IdempotencyKey string
	ContactID      string
	Template       string
}

// Sender records accepted sends in memory keyed by idempotency key.
type Sender struct {
	mu       sync.Mutex
	sends    []Send
	keys     map[string]struct{}
	rejected map[string]struct{}
	failNext []error
}

func New() *Sender {
	return &Sender{
		keys:     make(map[string]struct{}),
		rejected: make(map[string]struct{}),
	}
}

// Reject causes sends of template to be rejected.
func (s *Sender) Reject(template string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[template] = struct{}{}
}

// FailNext queues err to be returned by the next RequestSend.
func (s *Sender) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, err)
}

// RequestSend records the send unless idempotencyKey was already accepted.
func (s *Sender) RequestSend(ctx context.Context, idempotencyKey, contactID, template string) error {
	if idempotencyKey == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		return err
	}
	if _, ok := s.rejected[template]; ok {
		return fmt.Errorf("%w: template %s", messaging.ErrRejected, template)
	}
	if _, ok := s.keys[idempotencyKey]; ok {
		return nil
	}
	s.keys[idempotencyKey] = struct{}{}
	s.sends = append(s.sends, Send{
		IdempotencyKey: idempotencyKey,
		ContactID:      contactID,
		Template:       template,
	})
	return nil
}

// Sends returns a copy of the accepted sends in order.
func (s *Sender) Sends() []Send {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Send(nil), s.sends...)
}
