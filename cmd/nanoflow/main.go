// Package main starts a NanoFlow server.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/micromdm/nanoflow/engine"
	enginehttp "github.com/micromdm/nanoflow/engine/http"
	"github.com/micromdm/nanoflow/graph"
	httpnf "github.com/micromdm/nanoflow/http"
	"github.com/micromdm/nanoflow/log/logkeys"
	"github.com/micromdm/nanoflow/messaging"
	msghttp "github.com/micromdm/nanoflow/messaging/http"
	msginmem "github.com/micromdm/nanoflow/messaging/inmem"
	"github.com/micromdm/nanoflow/step"
	contacthttp "github.com/micromdm/nanoflow/subsystem/contact/http"
	"github.com/micromdm/nanoflow/utils/uuid"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log/stdlogfmt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "nanoflow"
	apiRealm    = "nanoflow"
)

func main() {
	var (
		flDebug     = flag.Bool("debug", false, "log debug messages")
		flListen    = flag.String("listen", ":9005", "HTTP listen address")
		flVersion   = flag.Bool("version", false, "print version and exit")
		flDump      = flag.Bool("dump", false, "dump API requests to stdout")
		flAPIKey    = flag.String("api", "", "API key for API endpoints")
		flStorage   = flag.String("storage", "file", "name of engine storage backend")
		flDSN       = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flContact   = flag.String("contact-storage", "file", "name of contact storage backend")
		flCDSN      = flag.String("contact-dsn", "", "contact storage data source name (defaults to storage-dsn for the same backend)")
		flSendURL   = flag.String("send-url", "", "URL of messaging service send endpoint (empty logs sends in memory)")
		flSendAPI   = flag.String("send-api", "", "messaging service API key")
		flWorkSec   = flag.Uint("worker-interval", uint(engine.DefaultInterval/time.Second), "interval for worker in seconds (0 disables the worker)")
		flWorkers   = flag.Int("workers", engine.DefaultConcurrency, "enrollments processed concurrently")
		flClaim     = flag.Int("claim-limit", engine.DefaultClaimLimit, "enrollments claimed per worker pass")
		flLease     = flag.Duration("lease", engine.DefaultLease, "lease duration of claimed enrollments")
		flAttempts  = flag.Int("max-attempts", engine.DefaultMaxAttempts, "attempts at a step before an enrollment fails")
		flBackoff   = flag.Duration("backoff", engine.DefaultBackoff, "base retry backoff")
		flStepTO    = flag.Duration("step-timeout", engine.DefaultStepTimeout, "timeout of a single step (kept below the lease)")
		flStoreTO   = flag.Duration("store-timeout", engine.DefaultStoreTimeout, "timeout of worker storage calls")
		flWorkflows = flag.String("workflows", "", "directory of workflow definitions to load and activate at startup")
	)
	envflag.Parse("NANOFLOW_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	// configure storage
	storage, err := parseStorage(*flStorage, *flDSN, *flContact, *flCDSN)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	// configure the messaging collaborator
	var sender messaging.Sender
	if *flSendURL != "" {
		sender, err = msghttp.New(
			*flSendURL,
			msghttp.WithBasicAuth(apiUsername, *flSendAPI),
			msghttp.WithLogger(logger.With("service", "messaging")),
		)
		if err != nil {
			logger.Info(logkeys.Message, "creating sender", logkeys.Error, err)
			os.Exit(1)
		}
	} else {
		logger.Info(logkeys.Message, "no send URL: sends are only recorded in memory")
		sender = msginmem.New()
	}

	// configure the workflow engine
	e := engine.New(
		storage.engine,
		engine.WithLogger(logger.With("service", "engine")),
		engine.WithIDer(uuid.NewUUID()),
	)

	if *flWorkflows != "" {
		defs, err := graph.ParseDir(*flWorkflows)
		if err != nil {
			logger.Info(logkeys.Message, "parsing workflows", logkeys.Error, err)
			os.Exit(1)
		}
		if err = e.LoadDefinitions(context.Background(), defs); err != nil {
			logger.Info(logkeys.Message, "loading workflows", logkeys.Error, err)
			os.Exit(1)
		}
		logger.Info(logkeys.Message, "loaded workflows", logkeys.GenericCount, len(defs))
	}

	// configure the workflow engine worker (async runner/job)
	var eWorker *engine.Worker
	if *flWorkSec > 0 {
		eWorker = engine.NewWorker(
			e,
			storage.engine,
			storage.contact,
			step.New(sender, storage.contact),
			engine.WithWorkerLogger(logger.With("service", "engine worker")),
			engine.WithWorkerInterval(time.Second*time.Duration(*flWorkSec)),
			engine.WithConcurrency(*flWorkers),
			engine.WithClaimLimit(*flClaim),
			engine.WithLease(*flLease),
			engine.WithMaxAttempts(*flAttempts),
			engine.WithBackoff(*flBackoff, engine.DefaultMaxBackoff),
			engine.WithStepTimeout(*flStepTO),
			engine.WithStoreTimeout(*flStoreTO),
		)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(engine.Collectors()...)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), "GET")

	if *flAPIKey != "" {
		mux.Group(func(mux *flow.Mux) {
			mux.Use(func(h http.Handler) http.Handler {
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
			})
			if *flDump {
				mux.Use(func(h http.Handler) http.Handler {
					return httpnf.DumpHandler(h, os.Stdout)
				})
			}

			enginehttp.HandleAPIv1("/v1", mux, logger, e)
			contacthttp.HandleAPIv1("/v1", mux, logger, storage.contact)
		})
	} else {
		logger.Info(logkeys.Message, "no API key: API endpoints disabled")
	}

	if eWorker != nil {
		go func() {
			err := eWorker.Run(context.Background())
			logs := []interface{}{logkeys.Message, "engine worker stopped"}
			if err != nil {
				logger.Info(append(logs, logkeys.Error, err)...)
				return
			}
			logger.Debug(logs...)
		}()
	}

	logger.Info(logkeys.Message, "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// newTraceID generates a new HTTP trace ID for context logging.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
