// Package web provides an HTTP status server for one or more harness nodes.
//
// The first node is served at the root. Every node is also served under its
// role name:
//
//	/{role}/               status page
//	/{role}/index.json     status document
//	/{role}/manifest.yaml  trial manifest of a logging role
//
// Prometheus metrics are served at /metrics.
package web

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/beacon-harness/internal/status"
	"github.com/sweeney/beacon-harness/internal/storage"
)

// Node is one role exposed by the server. Store is nil for roles that keep
// no logs.
type Node struct {
	Role    string
	Tracker *status.Tracker
	Store   *storage.Store
}

// Server serves node status pages and metrics over HTTP.
type Server struct {
	httpServer *http.Server
	nodes      []Node
}

// New creates a Server for the given nodes. The first node answers at the
// root paths.
func New(addr string, nodes ...Node) *Server {
	s := &Server{nodes: nodes}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("GET /{role}/{$}", s.handleIndex)
	mux.HandleFunc("GET /{role}/index.json", s.handleJSON)
	mux.HandleFunc("GET /{role}/manifest.yaml", s.handleManifest)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// node resolves the role of a request. Root paths map to the primary node.
func (s *Server) node(r *http.Request) (Node, bool) {
	if len(s.nodes) == 0 {
		return Node{}, false
	}
	role := r.PathValue("role")
	if role == "" {
		return s.nodes[0], true
	}
	for _, n := range s.nodes {
		if n.Role == role {
			return n, true
		}
	}
	return Node{}, false
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("role") == "" && r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	n, ok := s.node(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, page{Snapshot: n.Tracker.Snapshot(), Roles: s.roles(), Manifest: n.Store != nil})
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	n, ok := s.node(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(n.Tracker.Snapshot()))
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	n, ok := s.node(r)
	if !ok || n.Store == nil {
		http.NotFound(w, r)
		return
	}
	data, err := yaml.Marshal(n.Store.Manifest())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

func (s *Server) roles() []string {
	out := make([]string, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.Role
	}
	return out
}
