// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

// setupMetrics registers the hub's business-level gauges/counters (store
// row counts, queue backlog depth, uptime) and mounts the resulting
// Prometheus handler at /metrics.
//
// This is a distinct concern from the per-request latency/status
// histograms go-http-metrics.middleware already records on every route
// (see New in server.go): that package answers "how is the HTTP surface
// performing", this one answers "how big is the hub's working set".
func (s *Server) setupMetrics() {
	start := time.Now()

	s.metrics.NewCounterFunc(
		"server", "uptime_seconds",
		"Number of seconds the hub has been running",
		func() float64 {
			return time.Since(start).Seconds()
		},
	)

	s.metrics.NewGaugeFunc(
		"store", "subscriptions",
		"Number of inbound Subscription rows",
		func() float64 {
			subs, err := s.store.ListSubscriptions()
			if err != nil {
				return 0
			}
			return float64(len(subs))
		},
	)

	s.metrics.NewGaugeFunc(
		"store", "feeds",
		"Number of polled Feed rows",
		func() float64 {
			feeds, err := s.store.ListFeeds()
			if err != nil {
				return 0
			}
			return float64(len(feeds))
		},
	)

	s.metrics.NewGaugeFunc(
		"store", "external_subscriptions",
		"Number of outbound ExternalSubscription rows",
		func() float64 {
			subs, err := s.store.ListExternalSubscriptions()
			if err != nil {
				return 0
			}
			return float64(len(subs))
		},
	)

	s.metrics.NewGaugeFunc(
		"store", "user_callbacks",
		"Number of UserCallback rows",
		func() float64 {
			cbs, err := s.store.ListUserCallbacks()
			if err != nil {
				return 0
			}
			return float64(len(cbs))
		},
	)

	s.metrics.NewGaugeFunc(
		"queue", "due_backlog",
		"Number of queue messages currently due for dispatch",
		func() float64 {
			due, err := s.store.DueMessages(time.Now())
			if err != nil {
				return 0
			}
			return float64(len(due))
		},
	)

	s.metrics.NewGaugeFunc(
		"queue", "dead_letters",
		"Number of messages that exhausted their retry budget",
		func() float64 {
			dead, err := s.store.ListDeadLetters()
			if err != nil {
				return 0
			}
			return float64(len(dead))
		},
	)

	handler := s.metrics.Handler()
	s.router.GET("/metrics", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		handler.ServeHTTP(w, r)
	})
}
