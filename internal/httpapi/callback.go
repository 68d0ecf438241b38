// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

// callbackHandler serves `GET|POST /callback/:id`: the endpoint an
// upstream hub hits to confirm or deliver on an outbound
// ExternalSubscription.
func (s *Server) callbackHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		callbackPath := "/callback/" + p.ByName("id")

		if r.Method == http.MethodGet {
			s.handleCallbackVerification(w, r, callbackPath)
			return
		}

		s.handleCallbackContent(w, r, callbackPath)
	}
}

func (s *Server) handleCallbackVerification(w http.ResponseWriter, r *http.Request, callbackPath string) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	topic := q.Get("hub.topic")
	challenge := q.Get("hub.challenge")

	var leaseSeconds *int
	if raw := q.Get("hub.lease_seconds"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			leaseSeconds = &n
		}
	}

	res, err := s.external.HandleCallback(callbackPath, mode, topic, challenge, leaseSeconds, nil, "")
	if err != nil {
		log.WithError(err).Error("httpapi: callback verification failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if res.NotFound {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(res.Echo))
}

func (s *Server) handleCallbackContent(w http.ResponseWriter, r *http.Request, callbackPath string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	res, err := s.external.HandleCallback(callbackPath, "", "", "", nil, body, r.Header.Get("Content-Type"))
	if err != nil {
		log.WithError(err).Error("httpapi: callback content relay failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if res.NotFound {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
