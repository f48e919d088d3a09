package http

import (
	"net/http"

	"github.com/micromdm/nanolib/log"
)

// APIEngine is the engine surface used by the API handlers.
type APIEngine interface {
	DefinitionManager
	EnrollmentManager
}

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the various API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// They are assumed to be layered with mux, possibly at the Handle call.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, e APIEngine) {
	// definitions

	mux.Handle(
		prefix+"/workflow/:id",
		PutDefinitionHandler(e, logger.With("handler", "put definition")),
		"PUT",
	)
	mux.Handle(
		prefix+"/workflow/:id",
		GetDefinitionHandler(e, logger.With("handler", "get definition")),
		"GET",
	)
	mux.Handle(
		prefix+"/workflow/:id/validate",
		ValidateDefinitionHandler(e, logger.With("handler", "validate definition")),
		"POST",
	)
	mux.Handle(
		prefix+"/workflow/:id/activate",
		ActivateDefinitionHandler(e, logger.With("handler", "activate definition")),
		"POST",
	)
	mux.Handle(
		prefix+"/workflow/:id/pause",
		PauseDefinitionHandler(e, logger.With("handler", "pause definition")),
		"POST",
	)
	mux.Handle(
		prefix+"/workflow/:id/resume",
		ResumeDefinitionHandler(e, logger.With("handler", "resume definition")),
		"POST",
	)

	// enrollments

	mux.Handle(
		prefix+"/workflow/:id/enroll",
		EnrollHandler(e, logger.With("handler", "enroll")),
		"POST",
	)
	mux.Handle(
		prefix+"/enrollment/:id",
		GetEnrollmentHandler(e, logger.With("handler", "get enrollment")),
		"GET",
	)
	mux.Handle(
		prefix+"/enrollment/:id/cancel",
		CancelEnrollmentHandler(e, logger.With("handler", "cancel enrollment")),
		"POST",
	)
	mux.Handle(
		prefix+"/enrollments",
		ListEnrollmentsHandler(e, logger.With("handler", "list enrollments")),
		"GET",
	)
}
