package contextutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var ErrShutdown = errors.New("otaagent shutdown requested")

// SetupSignals returns a context cancelled with ErrShutdown as cause on the
// first SIGINT or SIGTERM.
func SetupSignals(ctx context.Context) context.Context {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	ctxCa, ca := context.WithCancelCause(ctx)
	go func() {
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			slog.With("signal", s.String()).Info("shutting down")
			ca(fmt.Errorf("%s received: %w", s, ErrShutdown))
		case <-ctxCa.Done():
			ca(nil)
		}
	}()
	return ctxCa
}
