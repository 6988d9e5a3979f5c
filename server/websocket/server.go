package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/collab-sync/model"
	"github.com/adwski/collab-sync/server"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	readBufferSize     = 1 << 16
	writeBufferSize    = 1 << 16
	maxFrameSize       = 4 << 20
	handshakeTimeout   = 3 * time.Second
	closeWriteDeadline = 2 * time.Second
	writeDeadline      = 5 * time.Second

	wireSize = 256

	// A client has pongWait-pingInterval to answer a ping.
	pingInterval = 5 * time.Second
	pongWait     = 7 * time.Second
)

type (
	RelayService interface {
		HandleFrame(ctx context.Context, endpoint string, wire model.Wire, f model.Frame) error
		DeleteSession(endpoint string)
	}

	Config struct {
		Logger       *zerolog.Logger
		RelayService RelayService
		ListenAddr   string
	}

	Server struct {
		svc RelayService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.RelayService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   readBufferSize,
			WriteBufferSize:  writeBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.relay)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	server.Run(ctx, wg, errc, srv.Server, &srv.logger)
}

func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		wire: model.NewWire(wireSize),
		svc:  srv.svc,
	}
	p.logger = srv.logger.With().Str("endpoint", p.id).Logger()
	p.logger.Debug().Str("remote", r.RemoteAddr).Msg("relay session created")

	go p.serve()
}

// peer is one relay websocket connection.
type peer struct {
	id     string
	conn   *websocket.Conn
	wire   model.Wire
	svc    RelayService
	logger zerolog.Logger
}

func (p *peer) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		p.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		p.writeLoop(ctx)
	}()

	<-ctx.Done()
	// The switch must stop writing into the wire before it is abandoned.
	p.svc.DeleteSession(p.id)
	_ = p.conn.SetReadDeadline(time.Now())
	wg.Wait()
	p.close()
}

func (p *peer) writeLoop(ctx context.Context) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			err = p.ping()
		case frame := <-p.wire.TX:
			err = p.send(frame)
		}
		if err != nil {
			p.logger.Error().Err(err).Msg("websocket write failed")
			return
		}
	}
}

func (p *peer) ping() error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		return err
	}
	p.logger.Trace().Msg("ping sent")
	return nil
}

func (p *peer) send(frame model.Frame) error {
	b, err := json.Marshal(&frame)
	if err != nil {
		return err
	}
	if err = p.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

func (p *peer) extendDeadline() error {
	return p.conn.SetReadDeadline(time.Now().Add(pongWait))
}

func (p *peer) readLoop(ctx context.Context) {
	p.conn.SetReadLimit(maxFrameSize)
	p.conn.SetPongHandler(func(string) error {
		p.logger.Trace().Msg("got pong")
		return p.extendDeadline()
	})
	if err := p.extendDeadline(); err != nil {
		p.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for ctx.Err() == nil {
		_, msg, err := p.conn.ReadMessage()
		switch {
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			p.logger.Debug().Err(err).Msg("connection closed")
			return
		case err != nil:
			if ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}
		if err = p.extendDeadline(); err != nil {
			p.logger.Error().Err(err).Msg("failed to set websocket read deadline")
			return
		}
		p.dispatch(ctx, msg)
	}
}

func (p *peer) dispatch(ctx context.Context, msg []byte) {
	var frame model.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		p.logger.Error().Err(err).Msg("failed to unmarshal incoming frame")
		return
	}
	err := p.svc.HandleFrame(ctx, p.id, p.wire, frame)
	if err == nil {
		return
	}
	p.logger.Warn().Err(err).Str("op", frame.Op).Msg("frame rejected")
	reject := model.Frame{Op: model.OpError, Channel: frame.Channel}
	reject.Payload, _ = json.Marshal(err.Error())
	select {
	case p.wire.TX <- reject:
	default:
	}
}

func (p *peer) close() {
	if err := p.conn.SetWriteDeadline(time.Now().Add(closeWriteDeadline)); err == nil {
		if err = p.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
			p.logger.Debug().Err(err).Msg("failed to send close message")
		}
	}
	if err := p.conn.Close(); err != nil {
		p.logger.Error().Err(err).Msg("failed to close websocket connection")
	}
}
