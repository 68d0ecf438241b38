// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/model"
	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

// adminListFeedsHandler serves `GET /api/admin/feeds`: a read/filter/sort
// projection over the Store, with no core semantics of its own — ordering
// and filtering live in this adapter, never in the core engines.
func (s *Server) adminListFeedsHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		feeds, err := s.store.ListFeeds()
		if err != nil {
			log.WithError(err).Error("httpapi: failed to list feeds")
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false})
			return
		}

		q := r.URL.Query()
		if status := q.Get("status"); status != "" {
			feeds = filterFeedsByStatus(feeds, status)
		}
		if urlFilter := q.Get("url"); urlFilter != "" {
			feeds = filterFeeds(feeds, func(f *model.Feed) bool {
				return strings.Contains(strings.ToLower(f.URL), strings.ToLower(urlFilter))
			})
		}
		if titleFilter := q.Get("title"); titleFilter != "" {
			feeds = filterFeeds(feeds, func(f *model.Feed) bool {
				return strings.Contains(strings.ToLower(f.Title), strings.ToLower(titleFilter))
			})
		}

		switch q.Get("sort") {
		case "errorCount":
			sort.Slice(feeds, func(i, j int) bool { return feeds[i].ErrorCount > feeds[j].ErrorCount })
		default:
			sort.Slice(feeds, func(i, j int) bool { return feeds[i].LastFetched.After(feeds[j].LastFetched) })
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{"feeds": feeds}); err != nil {
			log.WithError(err).Error("httpapi: failed to encode admin feed list")
		}
	}
}

func filterFeeds(feeds []*model.Feed, keep func(*model.Feed) bool) []*model.Feed {
	var out []*model.Feed
	for _, f := range feeds {
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}

func filterFeedsByStatus(feeds []*model.Feed, status string) []*model.Feed {
	return filterFeeds(feeds, func(f *model.Feed) bool {
		switch status {
		case "active":
			return f.Active
		case "inactive":
			return !f.Active
		case "error":
			return f.ErrorCount > 0
		case "websub":
			return f.SupportsWebSub
		default:
			return true
		}
	})
}

// adminToggleFeedHandler serves `POST /api/admin/feeds/:id/toggle`.
func (s *Server) adminToggleFeedHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		feed, err := s.store.GetFeed(p.ByName("id"))
		if err != nil {
			if err == store.ErrNotFound {
				writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false})
				return
			}
			log.WithError(err).Error("httpapi: failed to load feed for toggle")
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false})
			return
		}

		feed.Active = !feed.Active
		if err := s.store.UpdateFeed(feed); err != nil {
			log.WithError(err).Error("httpapi: failed to persist feed toggle")
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "active": feed.Active})
	}
}

// adminForcePollHandler serves `POST /api/admin/feeds/:id/poll`: a manual
// poll bypassing the due-set check.
func (s *Server) adminForcePollHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		id := p.ByName("id")
		if _, err := s.store.GetFeed(id); err != nil {
			if err == store.ErrNotFound {
				writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false})
				return
			}
			log.WithError(err).Error("httpapi: failed to load feed for force-poll")
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false})
			return
		}

		if _, err := s.queue.Enqueue(queue.PollFeed{FeedID: id}, 0); err != nil {
			log.WithError(err).Error("httpapi: failed to enqueue force-poll")
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false})
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{"success": true})
	}
}
