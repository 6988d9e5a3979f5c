package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/adwski/collab-sync/server"
	"github.com/rs/zerolog"
)

type RelayService interface {
	Channels() map[string]int
}

// GenericResponse mirrors the envelope used by the platform REST API.
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RelayService
	*http.Server
}

type Config struct {
	Logger       *zerolog.Logger
	RelayService RelayService
	ListenAddr   string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RelayService,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/channels", srv.channels)
	mux.HandleFunc("GET /api/health", srv.health)
	mux.HandleFunc("OPTIONS /", preflight)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	server.Run(ctx, wg, errc, srv.Server, &srv.logger)
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// channels reports the subscriber count of every live relay channel.
func (srv *Server) channels(w http.ResponseWriter, _ *http.Request) {
	srv.reply(w, http.StatusOK, GenericResponse{Success: true, Message: "OK", Data: srv.svc.Channels()})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.reply(w, http.StatusOK, GenericResponse{Success: true, Message: "OK"})
}

func (srv *Server) reply(w http.ResponseWriter, code int, resp GenericResponse) {
	b, err := json.Marshal(&resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}
