package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"tarun-kavipurapu/p2p-share/pkg/discovery"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
)

const maxBodyBytes = 64 << 10

type ServerConfig struct {
	Addr          string
	TTL           time.Duration
	SweepInterval time.Duration
	ICEServers    []ICEServer
	// Advertise announces the server over mDNS once it is listening.
	Advertise bool
}

type Server struct {
	cfg        ServerConfig
	store      *Store
	advertiser *discovery.Advertiser
	ln         net.Listener
	srv        *http.Server
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Server{
		cfg:        cfg,
		store:      NewStore(cfg.TTL),
		advertiser: discovery.NewAdvertiser(),
	}
}

// ICEServersFromURLs turns plain server URLs into descriptors.
func ICEServersFromURLs(urls []string) []ICEServer {
	out := make([]ICEServer, 0, len(urls))
	for _, u := range urls {
		out = append(out, ICEServer{URLs: []string{u}})
	}
	return out
}

func (s *Server) Store() *Store {
	return s.store
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", monitor.Handler())
	mux.HandleFunc("POST /api/create", s.handleCreate)
	mux.HandleFunc("POST /api/renew", s.handleRenew)
	mux.HandleFunc("POST /api/destroy", s.handleDestroy)
	mux.HandleFunc("GET /api/ice", s.handleICE)
	mux.HandleFunc("GET /api/resolve/{slug...}", s.handleResolve)
	return requestMiddleware(mux)
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Serve listens if needed and serves until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	logger.Sugar.Infof("[Rendezvous] [%s] starting rendezvous server, channel ttl %s", s.Addr(), s.cfg.TTL)

	if s.cfg.Advertise {
		s.advertise()
		defer s.advertiser.Stop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.store.RunSweeper(ctx, s.cfg.SweepInterval)

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Errorf("[Rendezvous] shutdown: %v", err)
	}
	logger.Sugar.Info("[Rendezvous] stopped")
	return nil
}

func (s *Server) advertise() {
	_, portStr, err := net.SplitHostPort(s.Addr())
	if err != nil {
		logger.Sugar.Errorf("[Rendezvous] failed to parse address: %v", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return
	}
	meta := map[string]string{
		discovery.MetaVersion: "1.0.0",
		discovery.MetaScheme:  "http",
	}
	if err := s.advertiser.Start("", port, meta); err != nil {
		logger.Sugar.Errorf("[Rendezvous] failed to start mDNS advertisement: %v", err)
	}
}

// Status summarizes the server for the interactive shell.
func (s *Server) Status() string {
	status := fmt.Sprintf("Rendezvous Server Running on: %s\n", s.Addr())
	status += fmt.Sprintf("Active Channels: %d\n", s.store.Len())
	status += fmt.Sprintf("Channel TTL: %s\n", s.cfg.TTL)
	return status
}

// Channels lists live channels ordered by creation time.
func (s *Server) Channels() []Channel {
	s.store.mu.Lock()
	out := make([]Channel, 0, len(s.store.byLong))
	for _, ch := range s.store.byLong {
		if !s.store.expired(ch) {
			out = append(out, *ch)
		}
	}
	s.store.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UploaderAddress == "" {
		sendError(w, http.StatusBadRequest, "uploaderAddress is required")
		return
	}
	ch, err := s.store.Create(req.UploaderAddress, req.SharedSlug)
	if errors.Is(err, ErrSlugTaken) {
		sendError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Sugar.Infof("[Rendezvous] channel created: %s (%s) -> %s", ch.LongSlug, ch.ShortSlug, ch.UploaderAddress)
	writeJSON(w, http.StatusOK, CreateResponse{LongSlug: ch.LongSlug, ShortSlug: ch.ShortSlug, Secret: ch.Secret})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req RenewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := s.store.Renew(req.Slug, req.Secret)
	switch {
	case errors.Is(err, ErrNotFound):
		sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBadSecret):
		sendError(w, http.StatusForbidden, err.Error())
	case err != nil:
		sendError(w, http.StatusInternalServerError, err.Error())
	default:
		logger.Sugar.Debugf("[Rendezvous] channel %s renewed until %s", ch.LongSlug, ch.ExpiresAt.Format(time.RFC3339))
		writeJSON(w, http.StatusOK, RenewResponse{Success: true})
	}
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req DestroyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.store.Destroy(req.Slug) {
		sendError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	logger.Sugar.Infof("[Rendezvous] channel destroyed: %s", req.Slug)
	writeJSON(w, http.StatusOK, RenewResponse{Success: true})
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []ICEServer{}
	}
	writeJSON(w, http.StatusOK, ICEResponse{ICEServers: servers})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	ch, err := s.store.Lookup(slug)
	if err != nil {
		sendError(w, http.StatusNotFound, fmt.Sprintf("%v: %s", err, slug))
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{Address: ch.UploaderAddress})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Debugf("[Rendezvous] write response: %v", err)
	}
}

func sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message, Code: code})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		monitor.RecordRendezvousRequest(endpoint, rec.status)
		logger.Sugar.Debugf("[Rendezvous] %s %s -> %d", r.Method, r.URL.Path, rec.status)
	})
}
