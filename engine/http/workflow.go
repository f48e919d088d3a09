package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/micromdm/nanoflow/graph"
	nfhttp "github.com/micromdm/nanoflow/http"
	"github.com/micromdm/nanoflow/http/api"
	"github.com/micromdm/nanoflow/log/logkeys"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

type versionResponse struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// PutDefinitionHandler stores the JSON or YAML definition in the body
// as a draft of the workflow in the path.
func PutDefinitionHandler(m DefinitionManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.WorkflowID, id)

		b, err := nfhttp.ReadBody(r, maxBodySize)
		if err != nil {
			logger.Info(logkeys.Message, "reading body", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		if len(b) < 1 {
			api.JSONError(w, ErrEmptyBody, http.StatusBadRequest)
			return
		}
		d, err := graph.Parse(b)
		if err != nil {
			logger.Info(logkeys.Message, "parsing definition", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		if d.ID == "" {
			d.ID = id
		} else if d.ID != id {
			err = fmt.Errorf("%w: %s in path, %s in body", ErrIDMismatch, id, d.ID)
			logger.Info(logkeys.Message, "parsing definition", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}

		version, err := m.PutDefinition(r.Context(), d)
		if err != nil {
			logger.Info(logkeys.Message, "storing definition", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		logger.Debug(logkeys.Message, "stored definition", logkeys.WorkflowVersion, version)
		writeJSON(w, logger, http.StatusOK, &versionResponse{ID: id, Version: version})
	}
}

// GetDefinitionHandler returns a definition version.
// Without a version parameter the latest version is returned.
func GetDefinitionHandler(m DefinitionManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.WorkflowID, id)

		version, err := intParam(r, "version")
		if err != nil {
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		d, err := m.Definition(r.Context(), id, int(version))
		if err != nil {
			logger.Info(logkeys.Message, "retrieving definition", logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		writeJSON(w, logger, http.StatusOK, d)
	}
}

// invalidJSONError writes the violations of an invalid graph.
func invalidJSONError(w http.ResponseWriter, err error) bool {
	var invalid *graph.InvalidError
	if !errors.As(err, &invalid) {
		return false
	}
	api.JSONErrorWithDetails(w, graph.ErrGraphInvalid, http.StatusBadRequest, invalid.Violations)
	return true
}

// ValidateDefinitionHandler validates a stored definition version.
func ValidateDefinitionHandler(m DefinitionManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.WorkflowID, id)

		version, err := intParam(r, "version")
		if err != nil {
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		if err = m.ValidateDefinition(r.Context(), id, int(version)); err != nil {
			logger.Debug(logkeys.Message, "validating definition", logkeys.Error, err)
			if !invalidJSONError(w, err) {
				api.JSONError(w, err, statusCode(err))
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ActivateDefinitionHandler validates and activates a definition version.
func ActivateDefinitionHandler(m DefinitionManager, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.WorkflowID, id)

		version, err := intParam(r, "version")
		if err != nil {
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		activated, err := m.ActivateDefinition(r.Context(), id, int(version))
		if err != nil {
			logger.Info(logkeys.Message, "activating definition", logkeys.Error, err)
			if !invalidJSONError(w, err) {
				api.JSONError(w, err, statusCode(err))
			}
			return
		}
		writeJSON(w, logger, http.StatusOK, &versionResponse{ID: id, Version: activated})
	}
}

// PauseDefinitionHandler pauses the active version of a workflow.
func PauseDefinitionHandler(m DefinitionManager, logger log.Logger) http.HandlerFunc {
	return statusChangeHandler(m.PauseDefinition, "pausing definition", logger)
}

// ResumeDefinitionHandler resumes the paused version of a workflow.
func ResumeDefinitionHandler(m DefinitionManager, logger log.Logger) http.HandlerFunc {
	return statusChangeHandler(m.ResumeDefinition, "resuming definition", logger)
}

func statusChangeHandler(change func(ctx context.Context, id string) error, msg string, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.WorkflowID, id)

		if err := change(r.Context(), id); err != nil {
			logger.Info(logkeys.Message, msg, logkeys.Error, err)
			api.JSONError(w, err, statusCode(err))
			return
		}
		logger.Debug(logkeys.Message, msg)
		w.WriteHeader(http.StatusNoContent)
	}
}
