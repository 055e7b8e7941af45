package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"opclink/logging"
	"opclink/tagman"
	"opclink/uaclient"
)

// Backend is the part of the connection manager the API serves.
// *tagman.Manager satisfies it.
type Backend interface {
	Servers() []tagman.ServerInfo
	ServerInfo(name string) (tagman.ServerInfo, error)
	Connect(ctx context.Context, name string) error
	Disconnect(name string) error
	Tags(ctx context.Context, name string) ([]uaclient.Tag, error)
	Browse(ctx context.Context, name string) ([]uaclient.Tag, error)
	Read(ctx context.Context, server, nodeID string) (tagman.ValueChange, error)
	Permissions(ctx context.Context, server, nodeID string) (uaclient.Permissions, error)
	WriteByName(ctx context.Context, server, tag string, value interface{}) error
	Discover(ctx context.Context, url string) ([]uaclient.ServerInfo, error)
}

// TagResponse is the JSON response for a tag value.
type TagResponse struct {
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	NodeID    string      `json:"node_id"`
	Type      string      `json:"type,omitempty"`
	Value     interface{} `json:"value"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// PermissionsResponse is the JSON response for a tag's access level.
type PermissionsResponse struct {
	Server string `json:"server"`
	NodeID string `json:"node_id"`
	uaclient.Permissions
}

// WriteRequest is the JSON request for writing a tag value. Tag is the
// published name or the node id.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON response after writing a tag value.
type WriteResponse struct {
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

const requestTimeout = 15 * time.Second

// handlers holds the API handler functions.
type handlers struct {
	backend  Backend
	sessions *sessionStore
	users    userLookup
	hub      *streamHub
}

// newRouter creates the REST API router.
func newRouter(h *handlers) chi.Router {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Get("/", h.handleListServers)
		r.Get("/discover", h.handleDiscover)
		r.Get("/stream", h.handleStream)

		r.Route("/{server}", func(r chi.Router) {
			r.Get("/", h.handleServerDetails)
			r.Get("/tags", h.handleTags)
			r.Get("/tags/*", h.handleTag)

			r.Group(func(r chi.Router) {
				r.Use(h.requireAdmin)
				r.Post("/connect", h.handleConnect)
				r.Post("/disconnect", h.handleDisconnect)
				r.Post("/write", h.handleWrite)
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// errorStatus maps manager and client errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, tagman.ErrServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, tagman.ErrNotWritable):
		return http.StatusForbidden
	case errors.Is(err, uaclient.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func serverParam(r *http.Request) string {
	name := chi.URLParam(r, "server")
	name, _ = url.PathUnescape(name)
	return name
}

func (h *handlers) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.backend.Servers())
}

func (h *handlers) handleServerDetails(w http.ResponseWriter, r *http.Request) {
	info, err := h.backend.ServerInfo(serverParam(r))
	if err != nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	writeJSON(w, info)
}

func (h *handlers) handleDiscover(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("url")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "url parameter required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	servers, err := h.backend.Discover(ctx, endpoint)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if servers == nil {
		servers = []uaclient.ServerInfo{}
	}
	writeJSON(w, servers)
}

func (h *handlers) handleConnect(w http.ResponseWriter, r *http.Request) {
	name := serverParam(r)
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.backend.Connect(ctx, name); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	info, _ := h.backend.ServerInfo(name)
	writeJSON(w, info)
}

func (h *handlers) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	name := serverParam(r)
	if err := h.backend.Disconnect(name); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	info, _ := h.backend.ServerInfo(name)
	writeJSON(w, info)
}

// handleTags lists the known tags of a server. ?refresh=true browses the
// live address space again.
func (h *handlers) handleTags(w http.ResponseWriter, r *http.Request) {
	name := serverParam(r)
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var tags []uaclient.Tag
	var err error
	if r.URL.Query().Get("refresh") == "true" {
		tags, err = h.backend.Browse(ctx, name)
	} else {
		tags, err = h.backend.Tags(ctx, name)
	}
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if tags == nil {
		tags = []uaclient.Tag{}
	}
	writeJSON(w, tags)
}

// handleTag serves /{server}/tags/{node} and /{server}/tags/{node}/permissions.
// Node ids may contain slashes, so the node is taken from the wildcard.
func (h *handlers) handleTag(w http.ResponseWriter, r *http.Request) {
	name := serverParam(r)
	nodeID := chi.URLParam(r, "*")
	nodeID, _ = url.PathUnescape(nodeID)

	permissions := false
	if strings.HasSuffix(nodeID, "/permissions") {
		nodeID = strings.TrimSuffix(nodeID, "/permissions")
		permissions = true
	}
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "node id required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if permissions {
		perms, err := h.backend.Permissions(ctx, name, nodeID)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, PermissionsResponse{Server: name, NodeID: nodeID, Permissions: perms})
		return
	}

	vc, err := h.backend.Read(ctx, name, nodeID)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, TagResponse{
		Server:    vc.Server,
		Tag:       vc.Tag,
		NodeID:    vc.NodeID,
		Type:      vc.Type,
		Value:     vc.Value,
		Writable:  vc.Writable,
		Timestamp: vc.Timestamp.UTC().Format(time.RFC3339),
	})
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	name := serverParam(r)

	var req WriteRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp := WriteResponse{
		Server: name,
		Tag:    req.Tag,
		Value:  req.Value,
	}
	status := http.StatusOK
	if err := h.backend.WriteByName(ctx, name, req.Tag, req.Value); err != nil {
		status = errorStatus(err)
		resp.Error = err.Error()
		logging.DebugLog("api", "write %s/%s failed: %v", name, req.Tag, err)
	} else {
		resp.Success = true
	}
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
