// Package bridge implements the device bridge: a small HTTP endpoint that
// accepts a light pair and persists it to a file the light controller reads.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/piwi3910/trafficweave/internal/intersection"
)

// ErrInvalidState is returned for a light pair that cannot be persisted.
var ErrInvalidState = errors.New("invalid light state")

// ErrNoState is returned by Read before anything was persisted.
var ErrNoState = errors.New("no light state persisted")

// LightState is the pair of colors driven by the device.
type LightState struct {
	Light1 intersection.Color `json:"light1"`
	Light2 intersection.Color `json:"light2"`
}

// Validate checks both colors and that at most one light is non-red.
func (s LightState) Validate() error {
	if _, err := intersection.ParseColor(string(s.Light1)); err != nil {
		return fmt.Errorf("%w: light1: %w", ErrInvalidState, err)
	}
	if _, err := intersection.ParseColor(string(s.Light2)); err != nil {
		return fmt.Errorf("%w: light2: %w", ErrInvalidState, err)
	}
	if s.Light1 != intersection.ColorRed && s.Light2 != intersection.ColorRed {
		return fmt.Errorf("%w: light1 %s and light2 %s are both non-red", ErrInvalidState, s.Light1, s.Light2)
	}
	return nil
}

// Store persists the light state to a file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Write replaces the persisted state. Readers never observe a partial file.
func (s *Store) Write(state LightState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	content := fmt.Sprintf("light1=%s\nlight2=%s\n", state.Light1, state.Light2)
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Read returns the persisted state.
func (s *Store) Read() (LightState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return LightState{}, ErrNoState
	}
	if err != nil {
		return LightState{}, fmt.Errorf("failed to read state file: %w", err)
	}
	return parseState(data)
}

func parseState(data []byte) (LightState, error) {
	var state LightState
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "light1":
			state.Light1 = intersection.Color(value)
		case "light2":
			state.Light2 = intersection.Color(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return LightState{}, err
	}
	if err := state.Validate(); err != nil {
		return LightState{}, err
	}
	return state, nil
}

// writeRequest accepts either the pair or a single color for light 1.
type writeRequest struct {
	Light1 string `json:"light1"`
	Light2 string `json:"light2"`
	Light  string `json:"light"`
}

// Handler serves the bridge API.
type Handler struct {
	store  *Store
	logger *zap.Logger
}

// NewHandler creates a handler backed by store.
func NewHandler(store *Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

// Register adds the bridge routes to r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/api", h.WriteState)
	r.GET("/api", h.ReadState)
}

// WriteState handles POST /api.
//
// The single-field form {"light":"green"} is an intent for light 1; light 2
// follows from the last persisted pair so the pair stays consistent.
func (h *Handler) WriteState(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid bridge request", zap.Error(err))
		c.String(http.StatusBadRequest, "Error")
		return
	}

	state, err := h.resolve(req)
	if err == nil {
		err = h.store.Write(state)
	}
	switch {
	case errors.Is(err, ErrInvalidState):
		h.logger.Warn("rejected light state", zap.Error(err))
		c.String(http.StatusBadRequest, "Error")
	case err != nil:
		h.logger.Error("failed to persist light state", zap.String("path", h.store.Path()), zap.Error(err))
		c.String(http.StatusInternalServerError, "Error")
	default:
		h.logger.Info("light state persisted",
			zap.String("light1", string(state.Light1)),
			zap.String("light2", string(state.Light2)),
		)
		c.String(http.StatusOK, "Success")
	}
}

func (h *Handler) resolve(req writeRequest) (LightState, error) {
	if req.Light == "" {
		return LightState{
			Light1: intersection.Color(strings.ToLower(req.Light1)),
			Light2: intersection.Color(strings.ToLower(req.Light2)),
		}, nil
	}

	color, err := intersection.ParseColor(req.Light)
	if err != nil {
		return LightState{}, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	prev, err := h.store.Read()
	if err != nil {
		prev = LightState{Light1: intersection.ColorRed, Light2: intersection.ColorRed}
	}
	l1, l2 := intersection.ApplyIntent(prev.Light1, prev.Light2, intersection.Light1, color)
	return LightState{Light1: l1, Light2: l2}, nil
}

// ReadState handles GET /api.
func (h *Handler) ReadState(c *gin.Context) {
	state, err := h.store.Read()
	switch {
	case errors.Is(err, ErrNoState):
		c.JSON(http.StatusNotFound, gin.H{"error": "NotFound", "message": err.Error(), "code": http.StatusNotFound})
	case err != nil:
		h.logger.Error("failed to read light state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "InternalError", "message": err.Error(), "code": http.StatusInternalServerError})
	default:
		c.JSON(http.StatusOK, state)
	}
}

// Config configures the bridge server.
type Config struct {
	Host            string
	Port            int
	StateFile       string
	ShutdownTimeout time.Duration
}

// Server is the standalone bridge process.
type Server struct {
	config     Config
	logger     *zap.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a bridge server.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StateFile == "" {
		cfg.StateFile = "lights.txt"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	logger = logger.With(zap.String("component", "bridge"))

	router := gin.New()
	router.Use(gin.Recovery())
	NewHandler(NewStore(cfg.StateFile), logger).Register(router)

	return &Server{
		config: cfg,
		logger: logger,
		router: router,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Router returns the underlying router.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting bridge",
			zap.String("address", s.httpServer.Addr),
			zap.String("state_file", s.config.StateFile),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("bridge server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bridge shutdown failed: %w", err)
	}
	s.logger.Info("bridge stopped")
	return nil
}
