// Package kv implements a workflow engine storage backend using a key-value interface.
//
// A single mutex serializes writers, so claims are atomic within one
// process. Use a database backend to coordinate workers across processes.
package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"

	"github.com/micromdm/nanolib/storage/kv"
)

const (
	keyPfxEnrollment = "enr."
	keyPfxDedup      = "dedup."
	keyPfxAttempt    = "att."
)

// KV is a workflow engine storage backend using a key-value interface.
type KV struct {
	mu       sync.RWMutex
	enrStore kv.KeysPrefixTraversingBucket
	idxStore kv.Bucket
	defStore kv.KeysPrefixTraversingBucket
	clock    func() time.Time
}

// New creates a new key-value workflow engine storage backend.
// Enrollments, indexes (trigger dedup and execution attempts) and
// definitions are each kept in their own bucket.
func New(enrStore kv.KeysPrefixTraversingBucket, idxStore kv.Bucket, defStore kv.KeysPrefixTraversingBucket) *KV {
	return &KV{
		enrStore: enrStore,
		idxStore: idxStore,
		defStore: defStore,
		clock:    time.Now,
	}
}

func enrollmentKey(id string) string {
	return keyPfxEnrollment + id
}

// hashKey hashes a tuple so that arbitrary IDs are safe to use as
// (file) keys and distinct tuples never share a key.
func hashKey(prefix string, parts ...string) string {
	h := sha256.New()
	for _, s := range parts {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return prefix + hex.EncodeToString(h.Sum(nil))
}

func dedupKey(workflowID, contactID, triggerKey string) string {
	return hashKey(keyPfxDedup, workflowID, contactID, triggerKey)
}

func attemptKey(enrollmentID, nodeID string, revision int64) string {
	return hashKey(keyPfxAttempt, enrollmentID, nodeID, strconv.FormatInt(revision, 10))
}

// pruneAttempt removes the attempt record of the current claim of e.
// It is obsolete once the revision of e moves on.
func (s *KV) pruneAttempt(ctx context.Context, e *storage.Enrollment) error {
	if err := s.idxStore.Delete(ctx, attemptKey(e.ID, e.NodeID, e.Revision)); err != nil {
		return fmt.Errorf("pruning attempt of %s: %w", e.ID, err)
	}
	return nil
}

func (s *KV) getEnrollment(ctx context.Context, id string) (*storage.Enrollment, error) {
	raw, err := s.enrStore.Get(ctx, enrollmentKey(id))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrEnrollmentNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("getting enrollment %s: %w", id, err)
	}
	e := new(storage.Enrollment)
	if err = json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("unmarshal enrollment %s: %w", id, err)
	}
	return e, nil
}

func (s *KV) setEnrollment(ctx context.Context, e *storage.Enrollment) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal enrollment %s: %w", e.ID, err)
	}
	return s.enrStore.Set(ctx, enrollmentKey(e.ID), raw)
}

// allEnrollments reads every enrollment.
// Keys are drained before any reads as some buckets hold a lock
// while iterating.
func (s *KV) allEnrollments(ctx context.Context) ([]*storage.Enrollment, error) {
	var ids []string
	for k := range s.enrStore.KeysPrefix(ctx, keyPfxEnrollment, nil) {
		ids = append(ids, k[len(keyPfxEnrollment):])
	}
	ret := make([]*storage.Enrollment, 0, len(ids))
	for _, id := range ids {
		e, err := s.getEnrollment(ctx, id)
		if err != nil {
			return ret, err
		}
		ret = append(ret, e)
	}
	return ret, nil
}

// CreateEnrollment implements the storage interface method.
func (s *KV) CreateEnrollment(ctx context.Context, ne *storage.NewEnrollment, now time.Time) (*storage.Enrollment, error) {
	if err := ne.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dk := dedupKey(ne.WorkflowID, ne.ContactID, ne.TriggerKey)
	existingID, err := s.idxStore.Get(ctx, dk)
	if err == nil {
		e, err := s.getEnrollment(ctx, string(existingID))
		if err != nil {
			return nil, fmt.Errorf("getting duplicate enrollment: %w", err)
		}
		return e, storage.ErrDuplicateEnrollment
	} else if !errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("checking duplicate enrollment: %w", err)
	}

	e := ne.Enrollment(now)
	if err = s.setEnrollment(ctx, e); err != nil {
		return nil, fmt.Errorf("setting enrollment: %w", err)
	}
	if err = s.idxStore.Set(ctx, dk, []byte(e.ID)); err != nil {
		return nil, fmt.Errorf("setting dedup index: %w", err)
	}
	return e, nil
}

// RetrieveEnrollment implements the storage interface method.
func (s *KV) RetrieveEnrollment(ctx context.Context, id string) (*storage.Enrollment, error) {
	if id == "" {
		return nil, storage.ErrMissingEnrollmentID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEnrollment(ctx, id)
}

// RetrieveEnrollments implements the storage interface method.
func (s *KV) RetrieveEnrollments(ctx context.Context, q *storage.EnrollmentQuery) ([]*storage.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.allEnrollments(ctx)
	if err != nil {
		return nil, err
	}
	var ret []*storage.Enrollment
	for _, e := range all {
		if q.Match(e) {
			ret = append(ret, e)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CreatedAt.Before(ret[j].CreatedAt) })
	if q != nil && q.Limit > 0 && len(ret) > q.Limit {
		ret = ret[:q.Limit]
	}
	return ret, nil
}

// CancelEnrollment implements the storage interface method.
func (s *KV) CancelEnrollment(ctx context.Context, id string, expectedRevision int64, now time.Time) (*storage.Enrollment, error) {
	if id == "" {
		return nil, storage.ErrMissingEnrollmentID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.getEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.Terminal() {
		return e, storage.ErrEnrollmentTerminal
	}
	if expectedRevision != 0 && e.Revision != expectedRevision {
		return e, storage.ErrStaleEnrollment
	}
	if err = s.pruneAttempt(ctx, e); err != nil {
		return nil, err
	}
	t := &storage.Transition{Status: storage.StatusCancelled, ResumeAt: e.ResumeAt, Attempts: e.Attempts, LastError: e.LastError}
	t.Apply(e, now)
	if err = s.setEnrollment(ctx, e); err != nil {
		return nil, fmt.Errorf("setting enrollment: %w", err)
	}
	return e, nil
}

// ClaimDue implements the storage interface method.
func (s *KV) ClaimDue(ctx context.Context, limit int, workerID string, now time.Time, lease time.Duration) ([]*storage.Enrollment, error) {
	if limit < 1 {
		return nil, nil
	}
	if workerID == "" {
		return nil, errors.New("empty worker id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.allEnrollments(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading enrollments: %w", err)
	}
	var due []*storage.Enrollment
	for _, e := range all {
		if e.Claimable(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ResumeAt.Before(due[j].ResumeAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for _, e := range due {
		// a previous claim that expired without committing
		if err = s.pruneAttempt(ctx, e); err != nil {
			return nil, err
		}
		e.LeaseOwner = workerID
		e.LeaseExpiresAt = now.Add(lease)
		e.Revision++
		e.UpdatedAt = now
		if err = s.setEnrollment(ctx, e); err != nil {
			return nil, fmt.Errorf("leasing enrollment %s: %w", e.ID, err)
		}
	}
	return due, nil
}

// CommitTransition implements the storage interface method.
func (s *KV) CommitTransition(ctx context.Context, t *storage.Transition, now time.Time) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.getEnrollment(ctx, t.EnrollmentID)
	if errors.Is(err, storage.ErrEnrollmentNotFound) {
		return fmt.Errorf("%w: %v", storage.ErrStaleEnrollment, err)
	} else if err != nil {
		return err
	}
	if e.Revision != t.ExpectedRevision || e.Status.Terminal() {
		return storage.ErrStaleEnrollment
	}
	if err = s.pruneAttempt(ctx, e); err != nil {
		return err
	}
	t.Apply(e, now)
	return s.setEnrollment(ctx, e)
}

// RecordAttempt implements the storage interface method.
func (s *KV) RecordAttempt(ctx context.Context, enrollmentID, nodeID string, revision int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := attemptKey(enrollmentID, nodeID, revision)
	if ok, err := s.idxStore.Has(ctx, k); err != nil {
		return false, fmt.Errorf("checking attempt: %w", err)
	} else if ok {
		return false, nil
	}
	ts, err := s.clock().MarshalText()
	if err != nil {
		return false, err
	}
	if err = s.idxStore.Set(ctx, k, ts); err != nil {
		return false, fmt.Errorf("setting attempt: %w", err)
	}
	return true, nil
}
