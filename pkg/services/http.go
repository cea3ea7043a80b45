package services

import (
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
)

// HTTPExtension is a service that mounts routes on the shared router.
type HTTPExtension interface {
	services.Service
	ConfigureHTTP(*mux.Router)
}
