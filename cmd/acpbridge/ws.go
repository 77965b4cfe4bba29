package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/transport"
	"github.com/spf13/cobra"
)

var wsListen string

var wsCmd = &cobra.Command{
	Use:   "ws",
	Short: "Serve ACP over websockets",
	Long: `Serve ACP on ws://<listen>/ws. Every websocket connection is an
independent ACP connection with its own sessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		rt, err := setup(ctx, rootFlags, os.Getenv)
		if err != nil {
			return err
		}
		defer rt.Close()

		addr := wsListen
		if addr == "" {
			addr = rt.cfg.Bridge.Listen
		}
		return rt.listenWS(ctx, addr)
	},
}

func init() {
	wsCmd.Flags().StringVar(&wsListen, "listen", "", "address to listen on (defaults to bridge.listen)")
}

func (rt *runtime) wsHandler(ctx context.Context) http.Handler {
	wsLog := logging.Component("ws")
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			wsLog.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		stream := transport.NewWebSocketStream(conn)
		defer stream.Close()

		log := wsLog.With().Str("remote", r.RemoteAddr).Logger()
		log.Info().Msg("connection opened")
		if err := rt.serve(ctx, stream, stream); err != nil {
			log.Warn().Err(err).Msg("connection failed")
			return
		}
		log.Info().Msg("connection closed")
	})
	return mux
}

func (rt *runtime) listenWS(ctx context.Context, addr string) error {
	log := logging.Component("ws")
	srv := &http.Server{Addr: addr, Handler: rt.wsHandler(ctx)}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("websocket server listening on /ws")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("websocket server shutdown")
	}
	return nil
}
