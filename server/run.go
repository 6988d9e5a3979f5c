// Package server holds what the relay's HTTP and websocket listeners share.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const shutdownDeadline = 10 * time.Second

var ErrUnexpected = errors.New("unexpected server error")

// Run serves srv until ctx is cancelled, then shuts it down gracefully.
// A listener failure is reported on errc.
func Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error, srv *http.Server, logger *zerolog.Logger) {
	defer func() {
		logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	listenErr := make(chan error, 1)
	go func() { listenErr <- srv.ListenAndServe() }()
	logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
