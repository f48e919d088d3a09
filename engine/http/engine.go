// Package http contains HTTP handlers that work with the NanoFlow engine.
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/micromdm/nanoflow/engine"
	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/graph"
	nfhttp "github.com/micromdm/nanoflow/http"
	"github.com/micromdm/nanoflow/http/api"
	"github.com/micromdm/nanoflow/log/logkeys"

	"github.com/micromdm/nanolib/log"
)

var (
	ErrIDMismatch   = errors.New("workflow id mismatch")
	ErrNoContact    = errors.New("missing contact parameter")
	ErrInvalidParam = errors.New("invalid parameter")
	ErrEmptyBody    = errors.New("empty body")
)

const maxBodySize = 1024 * 1024

// DefinitionManager manages workflow definitions.
type DefinitionManager interface {
	PutDefinition(ctx context.Context, d *graph.Definition) (int, error)
	Definition(ctx context.Context, id string, version int) (*graph.Definition, error)
	ValidateDefinition(ctx context.Context, id string, version int) error
	ActivateDefinition(ctx context.Context, id string, version int) (int, error)
	PauseDefinition(ctx context.Context, id string) error
	ResumeDefinition(ctx context.Context, id string) error
}

// EnrollmentManager creates, cancels and reports enrollments.
type EnrollmentManager interface {
	Enroll(ctx context.Context, workflowID, contactID, triggerKey string) (*storage.Enrollment, error)
	CancelEnrollment(ctx context.Context, id string, revision int64) (*storage.Enrollment, error)
	Enrollment(ctx context.Context, id string) (*storage.Enrollment, error)
	Enrollments(ctx context.Context, q *storage.EnrollmentQuery) ([]*storage.Enrollment, error)
}

// statusCode maps engine and storage errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, storage.ErrDefinitionNotFound),
		errors.Is(err, storage.ErrEnrollmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrGraphInvalid),
		errors.Is(err, graph.ErrEmptyDefinition),
		errors.Is(err, storage.ErrMissingContactID),
		errors.Is(err, storage.ErrMissingWorkflowID),
		errors.Is(err, ErrIDMismatch),
		errors.Is(err, ErrNoContact),
		errors.Is(err, ErrInvalidParam),
		errors.Is(err, ErrEmptyBody):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrStaleEnrollment),
		errors.Is(err, storage.ErrEnrollmentTerminal),
		errors.Is(err, storage.ErrInvalidStatus),
		errors.Is(err, engine.ErrNotActive),
		errors.Is(err, engine.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, nfhttp.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// intParam parses the optional integer query parameter name.
func intParam(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Join(ErrInvalidParam, err)
	}
	return i, nil
}

// writeJSON encodes v to w with status code.
func writeJSON(w http.ResponseWriter, logger log.Logger, code int, v interface{}) {
	if err := api.WriteJSON(w, code, v); err != nil {
		logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
	}
}
