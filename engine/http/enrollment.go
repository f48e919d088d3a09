package http

import (
	"errors"
	"net/http"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/http/api"
	"github.com/micromdm/nanoflow/log/logkeys"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// EnrollHandler enrolls the contact parameter into the active version of
// the workflow in the path. The trigger parameter identifies the trigger
// event; repeating it returns the existing enrollment.
func EnrollHandler(m EnrollmentManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		contactID := r.URL.Query().Get("contact")
		logger := ctxlog.Logger(r.Context(), logger).With(
			logkeys.WorkflowID, id,
			logkeys.ContactID, contactID,
		)
		if contactID == "" {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrNoContact)
			api.JSONError(w, ErrNoContact, http.StatusBadRequest)
			return
		}

		e, err := m.Enroll(r.Context(), id, contactID, r.URL.Query().Get("trigger"))
		if errors.Is(err, storage.ErrDuplicateEnrollment) {
			logger.Debug(logkeys.Message, "duplicate enrollment", logkeys.EnrollmentID, e.ID)
			writeJSON(w, logger, http.StatusOK, e)
			return
		} else if err != nil {
			logger.Info(logkeys.Message, "enrolling", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		writeJSON(w, logger, http.StatusCreated, e)
	}
}

// GetEnrollmentHandler returns a single enrollment.
func GetEnrollmentHandler(m EnrollmentManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.EnrollmentID, id)

		e, err := m.Enrollment(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving enrollment", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		writeJSON(w, logger, http.StatusOK, e)
	}
}

// CancelEnrollmentHandler cancels an enrollment.
// The optional revision parameter guards against concurrent changes.
func CancelEnrollmentHandler(m EnrollmentManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.EnrollmentID, id)

		revision, err := intParam(r, "revision")
		if err != nil {
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		e, err := m.CancelEnrollment(r.Context(), id, revision)
		if err != nil {
			logger.Info(logkeys.Message, "cancelling enrollment", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		writeJSON(w, logger, http.StatusOK, e)
	}
}

// ListEnrollmentsHandler returns enrollments filtered by the workflow,
// contact, status and limit parameters.
func ListEnrollmentsHandler(m EnrollmentManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		limit, err := intParam(r, "limit")
		if err != nil {
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		q := &storage.EnrollmentQuery{
			WorkflowID: r.URL.Query().Get("workflow"),
			ContactID:  r.URL.Query().Get("contact"),
			Status:     storage.Status(r.URL.Query().Get("status")),
			Limit:      int(limit),
		}
		if q.Status != "" && !q.Status.Valid() {
			api.JSONError(w, storage.ErrInvalidStatus, http.StatusBadRequest)
			return
		}
		es, err := m.Enrollments(r.Context(), q)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving enrollments", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		if es == nil {
			es = []*storage.Enrollment{}
		}
		writeJSON(w, logger, http.StatusOK, es)
	}
}
