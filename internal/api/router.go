package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatline/internal/api/middleware"
	"github.com/eldtechnologies/chatline/internal/handlers"
	"github.com/eldtechnologies/chatline/internal/presence"
	"github.com/eldtechnologies/chatline/internal/router"
	"github.com/eldtechnologies/chatline/internal/store"
)

// Deps are the components the HTTP surface is built on.
type Deps struct {
	Router         *router.Router
	Store          store.MessageStore
	Presence       *presence.Registry
	Gateway        http.Handler // websocket upgrade endpoint
	AllowedOrigins []string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024))
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(d.Router, d.Store, d.Presence)

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/users", h.ListUsers)
	r.Get("/who/{identity}", h.Who)
	r.Get("/messages/{user1}/{user2}", h.History)

	if d.Gateway != nil {
		r.Get("/ws", d.Gateway.ServeHTTP)
	}

	return r
}
