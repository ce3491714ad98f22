package publisher

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// EventsHandler serves the long poll endpoint:
// GET /events?sinceVersion=V
type EventsHandler struct {
	p *Publisher
}

func NewEventsHandler(p *Publisher) *EventsHandler {
	return &EventsHandler{p: p}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var since int64
	if s := r.URL.Query().Get("sinceVersion"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid sinceVersion", http.StatusBadRequest)
			return
		}
		since = v
	}

	res, err := h.p.PollEvents(r.Context(), since)
	if err != nil {
		if r.Context().Err() != nil {
			// client gone
			return
		}
		log.Errorf("poll error: %+v", err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Errorf("failed to encode poll response: %+v", err)
	}
}

// RegisterRoutes adds the publisher routes to router
func RegisterRoutes(router *mux.Router, p *Publisher) {
	router.Handle("/events", NewEventsHandler(p)).Methods("GET")
}
