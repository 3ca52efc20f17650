// Package rest is the thin HTTP adapter over internal/service: it exposes
// the façade's request/reply methods over a unix-socket HTTP server. The
// façade's event stream is not exposed here.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lxc/system-imaged/internal/engine"
	"github.com/lxc/system-imaged/internal/resolver"
	"github.com/lxc/system-imaged/internal/rest/response"
	"github.com/lxc/system-imaged/internal/service"
)

// Server is the REST API server fronting a Service.
type Server struct {
	socketPath string
	svc        *service.Service
}

// NewServer builds a Server bound to socketPath, creating its parent
// directory if needed.
func NewServer(_ context.Context, svc *service.Service, socketPath string) (*Server, error) {
	srv := &Server{socketPath: socketPath, svc: svc}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, err
	}

	return srv, nil
}

// Serve starts accepting connections on the unix socket until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	lc := &net.ListenConfig{}

	listener, err := lc.Listen(ctx, "unix", s.socketPath)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)

	go func() { errCh <- httpServer.Serve(listener) }()

	select {
	case <-ctx.Done():
		return httpServer.Close()
	case err := <-errCh:
		return err
	}
}

// routes builds the server's handler tree, kept separate from Serve so
// tests can exercise it without a real unix socket.
func (s *Server) routes() *http.ServeMux {
	router := http.NewServeMux()

	router.HandleFunc("/1.0", s.apiRoot)
	router.HandleFunc("/1.0/system/update", s.apiUpdate)
	router.HandleFunc("/1.0/system/update/:check", s.apiUpdateCheck)
	router.HandleFunc("/1.0/system/update/:download", s.apiUpdateDownload)
	router.HandleFunc("/1.0/system/update/:apply", s.apiUpdateApply)
	router.HandleFunc("/1.0/system/update/:pause", s.apiUpdatePause)
	router.HandleFunc("/1.0/system/update/:resume", s.apiUpdateResume)
	router.HandleFunc("/1.0/system/update/:cancel", s.apiUpdateCancel)
	router.HandleFunc("/1.0/system/update/:factory-reset", s.apiUpdateFactoryReset)
	router.HandleFunc("/1.0/system/update/:production-reset", s.apiUpdateProductionReset)
	router.HandleFunc("/1.0/system/update/:list-channels", s.apiUpdateListChannels)
	router.HandleFunc("/1.0/settings", s.apiSettings)
	router.HandleFunc("/1.0/settings/{key}", s.apiSettingsKey)

	return router
}

func (*Server) apiRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path != "/1.0" {
		_ = response.NotFound(nil).Render(w)

		return
	}

	_ = response.SyncResponse(true, []string{"/1.0/system/update", "/1.0/settings"}).Render(w)
}

func (s *Server) apiUpdate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	_ = response.SyncResponse(true, s.svc.Info()).Render(w)
}

func (s *Server) apiUpdateCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	opts := engine.CheckOptions{OverridePercentage: -1}

	q := r.URL.Query()

	if v := q.Get("override_build"); v != "" {
		opts.OverrideBuild, _ = strconv.Atoi(v)
	}

	opts.OverrideChannel = q.Get("override_channel")
	opts.OverrideDevice = q.Get("override_device")

	if v := q.Get("percentage"); v != "" {
		opts.OverridePercentage, _ = strconv.Atoi(v)
	}

	if v := q.Get("maximage"); v != "" {
		opts.MaxImage, _ = strconv.Atoi(v)
	}

	switch q.Get("filter") {
	case "full":
		opts.Filter = resolver.FilterFullOnly
	case "delta":
		opts.Filter = resolver.FilterDeltaOnly
	}

	result, err := s.svc.Check(r.Context(), opts)
	renderOpResult(w, result, err)
}

func (s *Server) apiUpdateDownload(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req struct {
		Cellular bool `json:"cellular"`
	}

	_ = json.NewDecoder(r.Body).Decode(&req)

	err := s.svc.Download(r.Context(), req.Cellular)
	renderOpResult(w, nil, err)
}

func (s *Server) apiUpdateApply(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	err := s.svc.Apply(r.Context())
	renderOpResult(w, nil, err)
}

func (s *Server) apiUpdatePause(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	err := s.svc.Pause(r.Context())
	renderOpResult(w, nil, err)
}

func (s *Server) apiUpdateResume(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	err := s.svc.Resume(r.Context())
	renderOpResult(w, nil, err)
}

func (s *Server) apiUpdateCancel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	err := s.svc.Cancel(r.Context())
	renderOpResult(w, nil, err)
}

func (s *Server) apiUpdateListChannels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	channels, err := s.svc.ListChannels(r.Context())
	renderOpResult(w, channels, err)
}

func (s *Server) apiUpdateFactoryReset(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	err := s.svc.FactoryReset(r.Context())
	renderOpResult(w, nil, err)
}

func (s *Server) apiUpdateProductionReset(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	err := s.svc.ProductionReset(r.Context())
	renderOpResult(w, nil, err)
}

func (s *Server) apiSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	shown, err := s.svc.ShowSettings(r.Context())
	renderOpResult(w, shown, err)
}

func (s *Server) apiSettingsKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	key := r.PathValue("key")

	switch r.Method {
	case http.MethodGet:
		value, err := s.svc.GetSetting(r.Context(), key)
		renderOpResult(w, value, err)
	case http.MethodPut:
		var req struct {
			Value string `json:"value"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = response.BadRequest(err).Render(w)

			return
		}

		err := s.svc.SetSetting(r.Context(), key, req.Value)
		renderOpResult(w, nil, err)
	case http.MethodDelete:
		err := s.svc.DelSetting(r.Context(), key)
		renderOpResult(w, nil, err)
	default:
		_ = response.NotImplemented(nil).Render(w)
	}
}

// renderOpResult maps a façade error into the right HTTP status: a
// conflicting in-flight operation is a 409, a policy StepError is a 200
// with status "no_update", everything else a 500.
func renderOpResult(w http.ResponseWriter, metadata any, err error) {
	if err != nil {
		if errors.Is(err, service.ErrOperationInFlight) {
			_ = response.Conflict(err).Render(w)

			return
		}

		var stepErr *engine.StepError
		if errors.As(err, &stepErr) && stepErr.Kind == engine.StepPolicy {
			_ = response.SyncResponse(true, map[string]string{"status": "no_update"}).Render(w)

			return
		}

		_ = response.InternalError(err).Render(w)

		return
	}

	_ = response.SyncResponse(true, metadata).Render(w)
}
