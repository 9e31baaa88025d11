package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gwi.com/book-recommender/internal/logging"
)

type RouterOptions struct {
	CORSAllowedOrigins []string
	// AuthRateLimit is requests per minute per IP on /signup and /login; 0 disables it.
	AuthRateLimit int
}

func NewRouter(apiHandler *APIHandler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/me", apiHandler.MeHandler)
	r.Post("/recommend", apiHandler.RecommendHandler)

	r.Group(func(r chi.Router) {
		if opts.AuthRateLimit > 0 {
			r.Use(httprate.LimitByIP(opts.AuthRateLimit, time.Minute))
		}
		r.Post("/signup", apiHandler.SignupHandler)
		r.Post("/login", apiHandler.LoginHandler)
	})

	// User-authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(apiHandler.RequireAuth)
		r.Get("/recommend/profile", apiHandler.ProfileRecommendHandler)
	})

	return r
}
