// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/hub"
)

// apiHubSubscriptionHandler serves `POST /api/subscribe` and
// `POST /api/unsubscribe`: a REST convenience front for the same
// `internal/hub.Engine.ProcessSubscriptionRequest` the raw WebSub endpoint
// `POST /` drives with `hub.mode=subscribe|unsubscribe` — the path
// supplies mode instead of a form field, and the response is JSON instead
// of a bare status line.
func (s *Server) apiHubSubscriptionHandler(mode string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "message": "bad request"})
			return
		}

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

		id, err := s.hub.ProcessSubscriptionRequest(mode, topic, callback, leaseSeconds, secret)
		if err != nil {
			if hub.IsClientError(err) {
				writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "message": err.Error()})
				return
			}
			log.WithError(err).Errorf("httpapi: api %s failed", mode)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "message": "internal error"})
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "subscriptionId": id})
	}
}

// apiWebhookHandler serves `POST /api/webhook`: the high-level convenience
// entry point that discovers a hub for topic and subscribes on the
// caller's behalf, optionally relaying to callback.
func (s *Server) apiWebhookHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "message": "bad request"})
			return
		}

		topic := r.FormValue("topic")
		callback := r.FormValue("callback")

		result, err := s.external.SubscribeToFeed(r.Context(), topic, callback)
		if err != nil {
			log.WithError(err).Error("httpapi: webhook subscribe failed")
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "message": "internal error"})
			return
		}

		status := http.StatusAccepted
		if !result.Success {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]interface{}{
			"success":             result.Success,
			"pendingVerification": result.PendingVerification,
			"message":             result.Message,
		})
	}
}

// apiVerifyWebhookHandler serves `GET /api/webhook/verify/:token`.
func (s *Server) apiVerifyWebhookHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ok, err := s.external.VerifyUserCallbackByToken(p.ByName("token"))
		if err != nil {
			log.WithError(err).Error("httpapi: webhook verification failed")
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false})
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("httpapi: failed to encode response")
	}
}
