// Package web serves the debug pages of a running server.
package web

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/trace"

	"badc0de.net/pkg/go-otserv/connection"
	"badc0de.net/pkg/go-otserv/service"
)

type Handler struct {
	registry *connection.Registry
	manager  *service.Manager
}

// NewHandler constructs a debug handler reporting on the passed manager and
// its connections. manager may be nil.
func NewHandler(registry *connection.Registry, manager *service.Manager) *Handler {
	return &Handler{
		registry: registry,
		manager:  manager,
	}
}

func (h *Handler) minimetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "runtime.NumGoroutine(): %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "connections: %d\n", h.registry.Len())
	if h.manager == nil {
		return
	}
	fmt.Fprintf(w, "running: %v\n", h.manager.IsRunning())
	for _, n := range h.manager.Ports() {
		p, ok := h.manager.Port(n)
		if !ok {
			continue
		}
		names := make([]string, 0, len(p.Services()))
		for _, s := range p.Services() {
			names = append(names, s.ProtocolName())
		}
		fmt.Fprintf(w, "port %d: %s\n", n, strings.Join(names, ","))
	}
}

func (h *Handler) connectionsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, c := range h.registry.Snapshot() {
		name := "-"
		if p := c.Protocol(); p != nil {
			name = p.Name()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", c.ID(), c.RemoteAddr(), name)
	}
}

func (h *Handler) connectionHandler(w http.ResponseWriter, r *http.Request) {
	var id uint64
	if _, err := fmt.Sscan(mux.Vars(r)["id"], &id); err != nil {
		http.Error(w, "id not a number", http.StatusBadRequest)
		return
	}
	c, ok := h.registry.Lookup(connection.ID(id))
	if !ok {
		http.Error(w, "no such connection", http.StatusNotFound)
		return
	}
	if r.Method == http.MethodDelete {
		glog.Infof("closing connection %d on request from %s", id, r.RemoteAddr)
		c.Close()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "id: %d\nremote: %s\nip: %08x\n", c.ID(), c.RemoteAddr(), c.RemoteIP())
	if p := c.Protocol(); p != nil {
		fmt.Fprintf(w, "protocol: %s\n", p.Name())
	}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/debug/minimetrics", h.minimetricsHandler)
	r.HandleFunc("/debug/connections", h.connectionsHandler)
	r.HandleFunc("/debug/connections/{id:[0-9]+}", h.connectionHandler).Methods(http.MethodGet, http.MethodDelete)
	r.HandleFunc("/debug/requests", trace.Traces)
	r.HandleFunc("/debug/events", trace.Events)
}

// glogWriter turns access log lines into glog info lines.
type glogWriter struct{}

func (glogWriter) Write(p []byte) (int, error) {
	glog.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// NewRouter returns the debug pages wrapped in an access log.
func NewRouter(h *Handler) http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return handlers.CombinedLoggingHandler(io.Writer(glogWriter{}), r)
}
