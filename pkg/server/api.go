package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/otelfleet/otaagent/pkg/logutil"
)

func printRoutes(r *mux.Router, l *slog.Logger) {
	l.Debug("walking routes")
	err := r.Walk(func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, err := route.GetPathRegexp()
		if err != nil {
			l.With("err", err).Debug("failed to get path regexp")
			return nil
		}
		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{http.MethodPost}
		}
		for _, method := range methods {
			logutil.WithMethod(l, method).Info(path)
		}
		return nil
	})
	if err != nil {
		l.With("err", err).Error("failed to walk routes")
	}
}
