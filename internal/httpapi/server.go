// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package httpapi is the hub's HTTP adapter: the WebSub hub endpoint, the
// external-subscriber REST API, the upstream-hub callback endpoint, an
// admin projection over the Store, and a health check. All request parsing
// and response formatting lives here; the core engines never see an
// http.Request.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"git.mills.io/prologic/observe"
	"github.com/NYTimes/gziphandler"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	metricsMiddlewarePrometheus "github.com/slok/go-http-metrics/metrics/prometheus"
	metricsMiddleware "github.com/slok/go-http-metrics/middleware"
	httproutermiddleware "github.com/slok/go-http-metrics/middleware/httprouter"
	"github.com/unrolled/logger"

	"git.mills.io/prologic/superduperfeeder/internal/external"
	"git.mills.io/prologic/superduperfeeder/internal/hub"
	"git.mills.io/prologic/superduperfeeder/internal/polling"
	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

// Config carries the adapter's tunables.
type Config struct {
	Bind        string
	DisableGzip bool
	DisableLog  bool
}

// Server is the HTTP adapter.
type Server struct {
	router   *httprouter.Router
	server   *http.Server
	store    *store.Store
	hub      *hub.Engine
	external *external.Client
	polling  *polling.Engine
	queue    *queue.Dispatcher
	metrics  *observe.Metrics
}

// New builds a Server wired to the core services. Call Start to listen.
func New(st *store.Store, hubEngine *hub.Engine, externalClient *external.Client, pollingEngine *polling.Engine, disp *queue.Dispatcher, cfg Config) *Server {
	s := &Server{
		router:   httprouter.New(),
		store:    st,
		hub:      hubEngine,
		external: externalClient,
		polling:  pollingEngine,
		queue:    disp,
		metrics:  observe.NewMetrics("superduperfeeder"),
	}

	s.setupMetrics()

	// The recorder gets its own registry rather than the process-global
	// default so constructing more than one Server (tests do) can't trip
	// prometheus's duplicate-collector registration.
	mdlw := metricsMiddleware.New(metricsMiddleware.Config{
		Recorder: metricsMiddlewarePrometheus.NewRecorder(
			metricsMiddlewarePrometheus.Config{
				Prefix:   "superduperfeeder",
				Registry: prometheus.NewRegistry(),
			},
		),
		Service:       "superduperfeeder",
		GroupedStatus: true,
	})

	s.router.NotFound = http.HandlerFunc(s.notFoundHandler)

	s.router.POST("/", httproutermiddleware.Handler("hub", s.hubHandler(), mdlw))

	s.router.GET("/callback/:id", httproutermiddleware.Handler("callback", s.callbackHandler(), mdlw))
	s.router.POST("/callback/:id", httproutermiddleware.Handler("callback", s.callbackHandler(), mdlw))

	s.router.POST("/api/subscribe", httproutermiddleware.Handler("subscribe", s.apiHubSubscriptionHandler("subscribe"), mdlw))
	s.router.POST("/api/unsubscribe", httproutermiddleware.Handler("unsubscribe", s.apiHubSubscriptionHandler("unsubscribe"), mdlw))
	s.router.POST("/api/webhook", httproutermiddleware.Handler("webhook", s.apiWebhookHandler(), mdlw))
	s.router.GET("/api/webhook/verify/:token", httproutermiddleware.Handler("webhook_verify", s.apiVerifyWebhookHandler(), mdlw))

	s.router.GET("/api/admin/feeds", httproutermiddleware.Handler("admin_feeds", s.adminListFeedsHandler(), mdlw))
	s.router.POST("/api/admin/feeds/:id/toggle", httproutermiddleware.Handler("admin_feed_toggle", s.adminToggleFeedHandler(), mdlw))
	s.router.POST("/api/admin/feeds/:id/poll", httproutermiddleware.Handler("admin_feed_poll", s.adminForcePollHandler(), mdlw))

	s.router.GET("/healthz", httproutermiddleware.Handler("healthz", s.healthzHandler(), mdlw))

	var handler http.Handler = s.router
	if !cfg.DisableGzip {
		handler = gziphandler.GzipHandler(handler)
	}
	if !cfg.DisableLog {
		handler = logger.New(logger.Options{
			Prefix:               "superduperfeeder",
			RemoteAddressHeaders: []string{"X-Forwarded-For"},
		}).Handler(handler)
	}

	s.server = &http.Server{
		Addr:         cfg.Bind,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start begins serving requests. It blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains connections, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not Found", http.StatusNotFound)
}

// healthzHandler reports store and queue reachability: a failing
// ListFeeds/DueMessages call means the embedded bitcask database (or the
// queue's due-index scan over it) is unusable, which is the only
// dependency this process has.
func (s *Server) healthzHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")

		if _, err := s.store.ListFeeds(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"error","component":"store"}`))
			return
		}
		if _, err := s.store.DueMessages(time.Now()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"error","component":"queue"}`))
			return
		}

		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
