// Package http provides HTTP handlers for the contact-data subsystem.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/micromdm/nanoflow/http/api"
	"github.com/micromdm/nanoflow/log/logkeys"
	"github.com/micromdm/nanoflow/subsystem/contact/storage"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Mux can register HTTP handlers.
type Mux interface {
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the contact handlers into mux with prefix.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, store storage.Storage) {
	mux.Handle(
		prefix+"/contact/:id",
		GetSnapshotHandler(store, logger.With("handler", "get contact")),
		"GET",
	)
	mux.Handle(
		prefix+"/contact/:id",
		DeleteContactHandler(store, logger.With("handler", "delete contact")),
		"DELETE",
	)
	mux.Handle(
		prefix+"/contact/:id/tags/:op/:tag",
		MutateTagsHandler(store, logger.With("handler", "mutate tags")),
		"POST",
	)
	mux.Handle(
		prefix+"/contact/:id/event",
		StoreEventHandler(store, logger.With("handler", "store event")),
		"POST",
	)
}

// GetSnapshotHandler returns an HTTP handler that returns the tags and
// engagement events of a contact.
func GetSnapshotHandler(store storage.ReadStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.ContactID, id)
		snap, err := store.RetrieveSnapshot(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieve snapshot", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		snap.SortTags()
		w.Header().Set("Content-Type", "application/json")
		if err = json.NewEncoder(w).Encode(snap); err != nil {
			logger.Info(logkeys.Message, "encoding json", logkeys.Error, err)
		}
	}
}

// MutateTagsHandler returns an HTTP handler that adds or removes a tag.
func MutateTagsHandler(store storage.Storage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		op := storage.TagOp(flow.Param(r.Context(), "op"))
		tag := flow.Param(r.Context(), "tag")
		logger := ctxlog.Logger(r.Context(), logger).With(
			logkeys.ContactID, id,
			"op", op,
			"tag", tag,
		)
		if err := storage.CheckMutation(id, op, tag); err != nil {
			logger.Info(logkeys.Message, "mutate tags", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		if err := store.MutateTags(r.Context(), id, op, tag); err != nil {
			logger.Info(logkeys.Message, "mutate tags", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		logger.Debug(logkeys.Message, "mutated tags")
		w.WriteHeader(http.StatusNoContent)
	}
}

// StoreEventHandler returns an HTTP handler that records an engagement
// event from the JSON body. A missing event time is set to now.
func StoreEventHandler(store storage.Storage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.ContactID, id)
		if id == "" {
			api.JSONError(w, storage.ErrNoID, http.StatusBadRequest)
			return
		}
		ev := new(storage.Event)
		if err := json.NewDecoder(r.Body).Decode(ev); err != nil {
			logger.Info(logkeys.Message, "decoding event", logkeys.Error, err)
			api.JSONError(w, errors.Join(storage.ErrEmptyEvent, err), http.StatusBadRequest)
			return
		}
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		if err := ev.Validate(); err != nil {
			logger.Info(logkeys.Message, "validating event", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		if err := store.StoreEvent(r.Context(), id, ev); err != nil {
			logger.Info(logkeys.Message, "store event", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		logger.Debug(logkeys.Message, "stored event", "type", ev.Type, "source", ev.Source)
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeleteContactHandler returns an HTTP handler that deletes all data of a contact.
func DeleteContactHandler(store storage.Storage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := flow.Param(r.Context(), "id")
		logger := ctxlog.Logger(r.Context(), logger).With(logkeys.ContactID, id)
		if err := store.DeleteContact(r.Context(), id); err != nil {
			logger.Info(logkeys.Message, "delete contact", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
