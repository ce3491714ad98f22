package node

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/viktorenciso/EventCentric/metrics"
	"github.com/viktorenciso/EventCentric/publisher"

	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// NewRouter returns the node http handler: the publisher events endpoint
// when the node publishes, the prometheus metrics and the node status.
func NewRouter(n *Node, p *publisher.Publisher) http.Handler {
	router := mux.NewRouter()
	if p != nil {
		publisher.RegisterRoutes(router, p)
	}
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(n.Status()); err != nil {
			log.Errorf("failed to encode status: %+v", err)
		}
	}).Methods("GET")

	return ghandlers.RecoveryHandler(ghandlers.PrintRecoveryStack(true))(
		ghandlers.CombinedLoggingHandler(os.Stderr, router),
	)
}
