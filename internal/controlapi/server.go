// Package controlapi serves the local HTTP control surface for the folder
// manager.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/treemirror/internal/diskusage"
	"github.com/agentworkforce/treemirror/internal/docsync"
	"github.com/agentworkforce/treemirror/internal/events"
	"github.com/agentworkforce/treemirror/internal/folders"
	"github.com/agentworkforce/treemirror/internal/logging"
	"github.com/agentworkforce/treemirror/internal/metrics"
	"github.com/agentworkforce/treemirror/internal/registry"
)

// Folders is the folder lifecycle the server drives.
type Folders interface {
	OpenFolder(ctx context.Context, treeID string, onProgress docsync.ProgressFunc) (string, error)
	CloseActiveFolder() error
	RefreshActiveFolder(ctx context.Context, onProgress docsync.ProgressFunc) (string, error)
	ListRecentFolders(ctx context.Context) ([]registry.FolderRecord, error)
	ForgetFolder(ctx context.Context, treeID string) error
	ActiveFolder() (folders.ActiveFolder, bool)
	StorageUsage() (diskusage.Report, error)
	ClearMirrors() (int, error)
}

type ServerConfig struct {
	Token           string
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	EventBuffer     int
	Logger          *zap.Logger
}

type Server struct {
	folders     Folders
	hub         *events.Hub
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *zap.Logger
}

func NewServer(f Folders, hub *events.Hub, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		folders:     f,
		hub:         hub,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger,
	}
}

// Handler wraps the server with request logging.
func (s *Server) Handler() http.Handler {
	return logging.Middleware(s.logger, s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	var route string
	switch {
	case r.URL.Path == "/v1/folders" && r.Method == http.MethodGet:
		route = "list"
	case r.URL.Path == "/v1/folders" && r.Method == http.MethodDelete:
		route = "forget"
	case r.URL.Path == "/v1/folders/active" && r.Method == http.MethodGet:
		route = "active"
	case r.URL.Path == "/v1/folders/open" && r.Method == http.MethodPost:
		route = "open"
	case r.URL.Path == "/v1/folders/close" && r.Method == http.MethodPost:
		route = "close"
	case r.URL.Path == "/v1/folders/refresh" && r.Method == http.MethodPost:
		route = "refresh"
	case r.URL.Path == "/v1/storage" && r.Method == http.MethodGet:
		route = "storage"
	case r.URL.Path == "/v1/storage/mirrors" && r.Method == http.MethodDelete:
		route = "clear_mirrors"
	case r.URL.Path == "/v1/events" && r.Method == http.MethodGet:
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "list":
		s.handleList(w, r, correlationID)
	case "forget":
		s.handleForget(w, r, correlationID)
	case "active":
		s.handleActive(w)
	case "open":
		s.handleOpen(w, r, correlationID)
	case "close":
		s.handleClose(w, correlationID)
	case "refresh":
		s.handleRefresh(w, r, correlationID)
	case "storage":
		s.handleStorage(w, correlationID)
	case "clear_mirrors":
		s.handleClearMirrors(w, correlationID)
	case "events":
		s.handleEvents(w, r, correlationID)
	}
}

type openRequest struct {
	TreeID string `json:"treeId"`
}

type openResponse struct {
	MirrorPath string                `json:"mirrorPath"`
	Folder     *folders.ActiveFolder `json:"folder,omitempty"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req openRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.TreeID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "treeId is required", correlationID)
		return
	}
	mirror, err := s.folders.OpenFolder(r.Context(), req.TreeID, nil)
	if err != nil {
		s.writeFolderError(w, err, correlationID)
		return
	}
	s.writeOpened(w, mirror)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	mirror, err := s.folders.RefreshActiveFolder(r.Context(), nil)
	if err != nil {
		s.writeFolderError(w, err, correlationID)
		return
	}
	s.writeOpened(w, mirror)
}

func (s *Server) writeOpened(w http.ResponseWriter, mirror string) {
	resp := openResponse{MirrorPath: mirror}
	if active, ok := s.folders.ActiveFolder(); ok {
		resp.Folder = &active
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClose(w http.ResponseWriter, correlationID string) {
	if err := s.folders.CloseActiveFolder(); err != nil {
		s.writeFolderError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActive(w http.ResponseWriter) {
	active, ok := s.folders.ActiveFolder()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "folder": active})
}

type folderView struct {
	TreeID       string `json:"treeId"`
	DisplayName  string `json:"displayName"`
	LastOpenedAt int64  `json:"lastOpenedAt"`
	MirrorPath   string `json:"mirrorDirectoryPath"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, correlationID string) {
	records, err := s.folders.ListRecentFolders(r.Context())
	if err != nil {
		s.writeFolderError(w, err, correlationID)
		return
	}
	views := make([]folderView, 0, len(records))
	for _, rec := range records {
		views = append(views, folderView{
			TreeID:       rec.TreeID,
			DisplayName:  rec.DisplayName,
			LastOpenedAt: rec.LastOpenedAt.UnixMilli(),
			MirrorPath:   rec.MirrorPath,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": views})
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request, correlationID string) {
	treeID := strings.TrimSpace(r.URL.Query().Get("treeId"))
	if treeID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "treeId query parameter is required", correlationID)
		return
	}
	if err := s.folders.ForgetFolder(r.Context(), treeID); err != nil {
		s.writeFolderError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStorage(w http.ResponseWriter, correlationID string) {
	report, err := s.folders.StorageUsage()
	if err != nil {
		s.writeFolderError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleClearMirrors(w http.ResponseWriter, correlationID string) {
	removed, err := s.folders.ClearMirrors()
	if err != nil {
		s.writeFolderError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleEvents streams hub events as JSON websocket messages until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream disabled", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	sub, cancel := s.hub.Subscribe(s.cfg.EventBuffer)
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, done := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			done()
			if err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeFolderError(w http.ResponseWriter, err error, correlationID string) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, docsync.ErrInvalidInput), errors.Is(err, registry.ErrInvalidInput):
		status, code = http.StatusBadRequest, "bad_request"
	case docsync.IsPermissionRevoked(err):
		status, code = http.StatusForbidden, "permission_revoked"
	case errors.Is(err, folders.ErrNoActiveFolder):
		status, code = http.StatusConflict, "no_active_folder"
	case errors.Is(err, folders.ErrFolderActive):
		status, code = http.StatusConflict, "folder_active"
	case errors.Is(err, docsync.ErrSyncSuperseded):
		status, code = http.StatusConflict, "sync_superseded"
	case errors.Is(err, docsync.ErrMirrorUnavailable):
		status, code = http.StatusInsufficientStorage, "mirror_unavailable"
	case errors.Is(err, context.Canceled):
		status, code = http.StatusServiceUnavailable, "canceled"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("correlation_id", correlationID), zap.Error(err))
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
