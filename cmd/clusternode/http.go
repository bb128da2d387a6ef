package main

import (
	"cluster-com/cluster/com"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type status struct {
	State    string   `json:"state"`
	URI      string   `json:"uri,omitempty"`
	Channels int      `json:"channels"`
	Pending  int      `json:"pending"`
	Peers    []string `json:"peers"`
}

func newRouter(network *com.Network, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, network)
	}).Methods(http.MethodGet)
	return router
}

func writeStatus(w http.ResponseWriter, network *com.Network) {
	st := status{
		State:    network.State().String(),
		Channels: network.Channels(),
		Pending:  network.Pending(),
		Peers:    []string{},
	}
	if me, ok := network.Me(); ok {
		st.URI = me.String()
	}
	for _, peer := range network.Peers() {
		st.Peers = append(st.Peers, peer.String())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}
