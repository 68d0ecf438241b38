// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/discovery"
	"git.mills.io/prologic/superduperfeeder/internal/hub"
)

// hubHandler serves the hub endpoint `POST /`. Three request shapes share
// this one route: subscribe/unsubscribe, publish, and a raw content
// notification from an upstream publisher that never registered as a
// hub.mode request.
func (s *Server) hubHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if linkTopic := selfTopicFromLinkHeader(r.Header["Link"]); linkTopic != "" {
			s.handleContentNotification(w, r, linkTopic)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		mode := strings.ToLower(r.FormValue("hub.mode"))

		switch mode {
		case "subscribe", "unsubscribe":
			s.handleHubSubscription(w, r, mode)
		case "publish":
			s.handleHubPublish(w, r)
		default:
			if topic := r.FormValue("topic"); topic != "" {
				s.handleContentNotification(w, r, topic)
				return
			}
			http.Error(w, "Invalid Mode", http.StatusBadRequest)
		}
	}
}

func selfTopicFromLinkHeader(values []string) string {
	for _, link := range discovery.ParseHeaderLinks(values) {
		for _, rel := range link.Params["rel"] {
			if rel == "self" {
				return link.URL.String()
			}
		}
	}
	return ""
}

func (s *Server) handleContentNotification(w http.ResponseWriter, r *http.Request, topic string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	n, err := s.hub.ProcessContentNotification(topic, body, r.Header.Get("Content-Type"))
	if err != nil {
		if hub.IsClientError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.WithError(err).Error("httpapi: content notification failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	log.Debugf("httpapi: distributed content for %s to %d subscribers", topic, n)
}

func (s *Server) handleHubSubscription(w http.ResponseWriter, r *http.Request, mode string) {
	topic := r.FormValue("hub.topic")
	callback := r.FormValue("hub.callback")

	var leaseSeconds *int
	if raw := r.FormValue("hub.lease_seconds"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			leaseSeconds = &n
		}
	}

	var secret []byte
	if raw := r.FormValue("hub.secret"); raw != "" {
		secret = []byte(raw)
	}

	_, err := s.hub.ProcessSubscriptionRequest(mode, topic, callback, leaseSeconds, secret)
	if err != nil {
		if hub.IsClientError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.WithError(err).Error("httpapi: subscription request failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHubPublish(w http.ResponseWriter, r *http.Request) {
	topic := r.FormValue("hub.topic")

	n, err := s.hub.ProcessPublishRequest(r.Context(), topic)
	if err != nil {
		if hub.IsClientError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.WithError(err).Error("httpapi: publish request failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"distributed":` + strconv.Itoa(n) + `}`))
}
