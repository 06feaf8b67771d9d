/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package hcloudfake provides a fake Hetzner Cloud API server for testing
package hcloudfake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/projectbeskar/vmpool/internal/providers/hetzner/hcloudapi"
)

// Route names used for failure injection and the request journal
const (
	RouteCreate          = "create"
	RouteDelete          = "delete"
	RouteUpdate          = "update"
	RouteGet             = "get"
	RouteList            = "list"
	RouteRebuild         = "rebuild"
	RoutePowerOn         = "poweron"
	RouteAttachToNetwork = "attach_to_network"
)

// Server represents a fake Hetzner Cloud API server
type Server struct {
	router   *mux.Router
	servers  map[int64]*hcloudapi.Server
	nextID   int64
	nextIP   int
	failures map[string][]Failure
	journal  []Request
	mu       sync.Mutex
	logger   logr.Logger
	config   Config
}

// Config holds fake server configuration
type Config struct {
	// Token is the bearer token the fake accepts; empty accepts any token
	Token string
	// DeferNetwork creates servers without a private network so callers
	// must attach one before the server is ready
	DeferNetwork bool
	// RateLimitLimit is reported in the RateLimit-Limit header
	RateLimitLimit int
	// Latency delays every response
	Latency time.Duration
}

// Failure is an injected error response
type Failure struct {
	StatusCode int
	Code       string
	Message    string
}

// Request is one journal entry
type Request struct {
	Route  string
	Method string
	Path   string
	Query  string
	Body   []byte
	Time   time.Time
}

// Option configures the fake server
type Option func(*Server)

// WithConfig sets the fake server configuration
func WithConfig(config Config) Option {
	return func(s *Server) {
		s.config = config
	}
}

// WithLogger sets the fake server logger
func WithLogger(logger logr.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new fake Hetzner Cloud server
func NewServer(opts ...Option) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		servers:  make(map[int64]*hcloudapi.Server),
		nextID:   1000,
		failures: make(map[string][]Failure),
		logger:   logr.Discard(),
		config:   Config{RateLimitLimit: 3600},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the fake API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/servers", s.handle(RouteCreate, s.handleCreate)).Methods(http.MethodPost)
	api.HandleFunc("/servers", s.handle(RouteList, s.handleList)).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id:[0-9]+}", s.handle(RouteGet, s.handleGet)).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id:[0-9]+}", s.handle(RouteUpdate, s.handleUpdate)).Methods(http.MethodPut)
	api.HandleFunc("/servers/{id:[0-9]+}", s.handle(RouteDelete, s.handleDelete)).Methods(http.MethodDelete)
	api.HandleFunc("/servers/{id:[0-9]+}/actions/rebuild", s.handle(RouteRebuild, s.handleRebuild)).Methods(http.MethodPost)
	api.HandleFunc("/servers/{id:[0-9]+}/actions/poweron", s.handle(RoutePowerOn, s.handlePowerOn)).Methods(http.MethodPost)
	api.HandleFunc("/servers/{id:[0-9]+}/actions/attach_to_network", s.handle(RouteAttachToNetwork, s.handleAttach)).Methods(http.MethodPost)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// InjectFailure queues failures for a route; each request consumes one
func (s *Server) InjectFailure(route string, failures ...Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], failures...)
}

// AddServer seeds a server and returns its ID
func (s *Server) AddServer(server hcloudapi.Server) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if server.ID == 0 {
		s.nextID++
		server.ID = s.nextID
	} else if server.ID > s.nextID {
		s.nextID = server.ID
	}
	if server.Created.IsZero() {
		server.Created = time.Now().UTC()
	}
	if server.Labels == nil {
		server.Labels = map[string]string{}
	}
	s.servers[server.ID] = &server
	return server.ID
}

// Server returns a copy of a stored server
func (s *Server) Server(id int64) (hcloudapi.Server, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	server, ok := s.servers[id]
	if !ok {
		return hcloudapi.Server{}, false
	}
	return copyServer(server), true
}

// SetStatus overrides the status of a stored server
func (s *Server) SetStatus(id int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if server, ok := s.servers[id]; ok {
		server.Status = status
	}
}

// DetachNetworks removes every private network from a stored server
func (s *Server) DetachNetworks(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if server, ok := s.servers[id]; ok {
		server.PrivateNet = nil
	}
}

// Count returns the number of stored servers
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.servers)
}

// Requests returns the request journal, optionally filtered by route
func (s *Server) Requests(routes ...string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(routes) == 0 {
		return append([]Request(nil), s.journal...)
	}
	var out []Request
	for _, req := range s.journal {
		for _, route := range routes {
			if req.Route == route {
				out = append(out, req)
				break
			}
		}
	}
	return out
}

// handle wraps a route handler with auth, journaling, latency and failure injection
func (s *Server) handle(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := readBody(r)

		s.mu.Lock()
		s.journal = append(s.journal, Request{
			Route:  route,
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Body:   body,
			Time:   time.Now(),
		})
		remaining := s.config.RateLimitLimit - len(s.journal)
		var failure *Failure
		if queue := s.failures[route]; len(queue) > 0 {
			failure = &queue[0]
			s.failures[route] = queue[1:]
		}
		s.mu.Unlock()

		s.logger.V(1).Info("Fake hcloud request", "route", route, "method", r.Method, "path", r.URL.Path)

		if s.config.Latency > 0 {
			select {
			case <-time.After(s.config.Latency):
			case <-r.Context().Done():
				return
			}
		}

		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("RateLimit-Limit", strconv.Itoa(s.config.RateLimitLimit))
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(remaining))

		if s.config.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.config.Token {
			s.writeError(w, http.StatusUnauthorized, hcloudapi.ErrorCodeUnauthorized, "unable to authenticate")
			return
		}

		if failure != nil {
			s.writeError(w, failure.StatusCode, failure.Code, failure.Message)
			return
		}

		r.Body = newBody(body)
		fn(w, r)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var opts hcloudapi.ServerCreateOpts
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		s.writeError(w, http.StatusBadRequest, hcloudapi.ErrorCodeInvalidInput, "invalid JSON body")
		return
	}
	if opts.Name == "" || opts.ServerType == "" || opts.Image == 0 {
		s.writeError(w, http.StatusUnprocessableEntity, hcloudapi.ErrorCodeInvalidInput, "name, server_type and image are required")
		return
	}

	s.mu.Lock()
	for _, existing := range s.servers {
		if existing.Name == opts.Name {
			s.mu.Unlock()
			s.writeError(w, http.StatusConflict, hcloudapi.ErrorCodeUniquenessError, "server name is already used")
			return
		}
	}

	s.nextID++
	status := hcloudapi.ServerStatusOff
	if opts.StartAfterCreate {
		status = hcloudapi.ServerStatusRunning
	}
	labels := make(map[string]string, len(opts.Labels))
	for k, v := range opts.Labels {
		labels[k] = v
	}
	server := &hcloudapi.Server{
		ID:         s.nextID,
		Name:       opts.Name,
		Status:     status,
		Created:    time.Now().UTC(),
		Labels:     labels,
		ServerType: &hcloudapi.ServerType{Name: opts.ServerType},
		Image:      &hcloudapi.Image{ID: opts.Image},
		Datacenter: &hcloudapi.Datacenter{
			Name:     opts.Location + "-dc",
			Location: &hcloudapi.Location{Name: opts.Location},
		},
	}
	if !s.config.DeferNetwork {
		for _, network := range opts.Networks {
			server.PrivateNet = append(server.PrivateNet, s.allocatePrivateNet(network))
		}
	}
	s.servers[server.ID] = server
	result := hcloudapi.ServerCreateResult{
		Server: copyServer(server),
		Action: &hcloudapi.Action{ID: server.ID, Command: "create_server", Status: "running"},
	}
	s.mu.Unlock()

	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := atoiDefault(query.Get("page"), 1)
	perPage := atoiDefault(query.Get("per_page"), 25)
	if page < 1 || perPage < 1 || perPage > 50 {
		s.writeError(w, http.StatusBadRequest, hcloudapi.ErrorCodeInvalidInput, "invalid pagination parameters")
		return
	}

	selector, err := parseLabelSelector(query.Get("label_selector"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, hcloudapi.ErrorCodeInvalidInput, err.Error())
		return
	}

	s.mu.Lock()
	matched := make([]hcloudapi.Server, 0, len(s.servers))
	for _, server := range s.servers {
		if selector.matches(server.Labels) {
			matched = append(matched, copyServer(server))
		}
	}
	s.mu.Unlock()

	desc := query.Get("sort") == "id:desc"
	sort.Slice(matched, func(i, j int) bool {
		if desc {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	lastPage := (total + perPage - 1) / perPage
	if lastPage == 0 {
		lastPage = 1
	}
	start := (page - 1) * perPage
	end := start + perPage
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	pagination := hcloudapi.Pagination{
		Page:         page,
		PerPage:      perPage,
		LastPage:     &lastPage,
		TotalEntries: &total,
	}
	if page > 1 {
		prev := page - 1
		pagination.PreviousPage = &prev
	}
	if page < lastPage {
		next := page + 1
		pagination.NextPage = &next
	}

	s.writeJSON(w, http.StatusOK, hcloudapi.ServerListResult{
		Servers: matched[start:end],
		Meta:    hcloudapi.Meta{Pagination: pagination},
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.withServer(w, r, func(server *hcloudapi.Server) (int, interface{}) {
		return http.StatusOK, map[string]hcloudapi.Server{"server": copyServer(server)}
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var opts hcloudapi.ServerUpdateOpts
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		s.writeError(w, http.StatusBadRequest, hcloudapi.ErrorCodeInvalidInput, "invalid JSON body")
		return
	}
	s.withServer(w, r, func(server *hcloudapi.Server) (int, interface{}) {
		if opts.Name != "" {
			server.Name = opts.Name
		}
		if opts.Labels != nil {
			server.Labels = opts.Labels
		}
		return http.StatusOK, map[string]hcloudapi.Server{"server": copyServer(server)}
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.withServer(w, r, func(server *hcloudapi.Server) (int, interface{}) {
		delete(s.servers, server.ID)
		return http.StatusOK, map[string]hcloudapi.Action{"action": {ID: server.ID, Command: "delete_server", Status: "running"}}
	})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var opts hcloudapi.ServerRebuildOpts
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil || opts.Image == 0 {
		s.writeError(w, http.StatusUnprocessableEntity, hcloudapi.ErrorCodeInvalidInput, "image is required")
		return
	}
	s.withServer(w, r, func(server *hcloudapi.Server) (int, interface{}) {
		server.Image = &hcloudapi.Image{ID: opts.Image}
		server.Status = hcloudapi.ServerStatusRunning
		return http.StatusCreated, hcloudapi.ServerRebuildResult{
			Action: &hcloudapi.Action{ID: server.ID, Command: "rebuild_server", Status: "running"},
		}
	})
}

func (s *Server) handlePowerOn(w http.ResponseWriter, r *http.Request) {
	s.withServer(w, r, func(server *hcloudapi.Server) (int, interface{}) {
		server.Status = hcloudapi.ServerStatusRunning
		return http.StatusCreated, map[string]hcloudapi.Action{"action": {ID: server.ID, Command: "start_server", Status: "running"}}
	})
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var opts hcloudapi.ServerAttachToNetworkOpts
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil || opts.Network == 0 {
		s.writeError(w, http.StatusUnprocessableEntity, hcloudapi.ErrorCodeInvalidInput, "network is required")
		return
	}
	s.withServer(w, r, func(server *hcloudapi.Server) (int, interface{}) {
		for _, pn := range server.PrivateNet {
			if pn.Network == opts.Network {
				return http.StatusConflict, hcloudapi.ErrorBody{Error: hcloudapi.ErrorDetail{
					Code:    "server_already_attached",
					Message: "server is already attached to network",
				}}
			}
		}
		server.PrivateNet = append(server.PrivateNet, s.allocatePrivateNet(opts.Network))
		return http.StatusCreated, map[string]hcloudapi.Action{"action": {ID: server.ID, Command: "attach_to_network", Status: "running"}}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withServer looks up the server named by the route under the lock and
// writes whatever fn returns
func (s *Server) withServer(w http.ResponseWriter, r *http.Request, fn func(*hcloudapi.Server) (int, interface{})) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, hcloudapi.ErrorCodeInvalidInput, "invalid server ID")
		return
	}

	s.mu.Lock()
	server, ok := s.servers[id]
	if !ok {
		s.mu.Unlock()
		s.writeError(w, http.StatusNotFound, hcloudapi.ErrorCodeNotFound, fmt.Sprintf("server with ID '%d' not found", id))
		return
	}
	status, body := fn(server)
	s.mu.Unlock()

	s.writeJSON(w, status, body)
}

// allocatePrivateNet must be called with the lock held
func (s *Server) allocatePrivateNet(network int64) hcloudapi.PrivateNet {
	s.nextIP++
	return hcloudapi.PrivateNet{
		Network: network,
		IP:      fmt.Sprintf("10.%d.%d.%d", network%256, (s.nextIP/250)%256, s.nextIP%250+2),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error(err, "Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, hcloudapi.ErrorBody{Error: hcloudapi.ErrorDetail{Code: code, Message: message}})
}

func copyServer(server *hcloudapi.Server) hcloudapi.Server {
	out := *server
	out.Labels = make(map[string]string, len(server.Labels))
	for k, v := range server.Labels {
		out.Labels[k] = v
	}
	out.PrivateNet = append([]hcloudapi.PrivateNet(nil), server.PrivateNet...)
	return out
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close() //nolint:errcheck // Request body close in defer is not critical
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func newBody(data []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(data))
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

// labelSelector supports the equality subset of the Hetzner selector grammar
type labelSelector []labelRequirement

type labelRequirement struct {
	key   string
	value string
	op    string
}

func parseLabelSelector(raw string) (labelSelector, error) {
	var selector labelSelector
	if strings.TrimSpace(raw) == "" {
		return selector, nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
			return nil, fmt.Errorf("empty label selector term")
		case strings.HasPrefix(part, "!"):
			selector = append(selector, labelRequirement{key: part[1:], op: "!"})
		case strings.Contains(part, "!="):
			kv := strings.SplitN(part, "!=", 2)
			selector = append(selector, labelRequirement{key: kv[0], value: kv[1], op: "!="})
		case strings.Contains(part, "=="):
			kv := strings.SplitN(part, "==", 2)
			selector = append(selector, labelRequirement{key: kv[0], value: kv[1], op: "="})
		case strings.Contains(part, "="):
			kv := strings.SplitN(part, "=", 2)
			selector = append(selector, labelRequirement{key: kv[0], value: kv[1], op: "="})
		default:
			selector = append(selector, labelRequirement{key: part, op: "exists"})
		}
	}
	return selector, nil
}

func (ls labelSelector) matches(labels map[string]string) bool {
	for _, req := range ls {
		value, ok := labels[req.key]
		switch req.op {
		case "exists":
			if !ok {
				return false
			}
		case "!":
			if ok {
				return false
			}
		case "=":
			if !ok || value != req.value {
				return false
			}
		case "!=":
			if ok && value == req.value {
				return false
			}
		}
	}
	return true
}

// StartFakeServer starts a fake Hetzner Cloud server on a random port and
// returns its API endpoint including the /v1 prefix
func StartFakeServer(opts ...Option) (*Server, string, func() error, error) {
	server := NewServer(opts...)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to start fake server: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	endpoint := fmt.Sprintf("http://127.0.0.1:%d/v1", port)

	httpServer := &http.Server{Handler: server, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			server.logger.Error(err, "Fake hcloud server error")
		}
	}()

	return server, endpoint, httpServer.Close, nil
}
