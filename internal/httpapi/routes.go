// Package httpapi exposes the game and its lobbies over HTTP.
package httpapi

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/DoyleJ11/xss-ctf-backend/internal/game"
	"github.com/DoyleJ11/xss-ctf-backend/internal/hub"
	"github.com/DoyleJ11/xss-ctf-backend/internal/logging"
	"github.com/DoyleJ11/xss-ctf-backend/internal/ws"
)

type Deps struct {
	Game   *game.Service
	Hub    *hub.Hub
	Logger *zap.Logger

	CookieName     string
	SecureCookie   bool
	FrontendOrigin string
	StoreDriver    string
}

type api struct {
	game         *game.Service
	hub          *hub.Hub
	log          *zap.Logger
	cookieName   string
	secureCookie bool
	storeDriver  string
}

func SetupRoutes(d Deps) http.Handler {
	a := &api{
		game:         d.Game,
		hub:          d.Hub,
		log:          d.Logger.Named("http"),
		cookieName:   d.CookieName,
		secureCookie: d.SecureCookie,
		storeDriver:  d.StoreDriver,
	}
	if a.cookieName == "" {
		a.cookieName = "ctf_session"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{d.FrontendOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public routes
	r.Get("/", a.info)
	r.Get("/healthz", Healthz)
	r.Get("/health", a.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", a.login)
		r.Post("/logout", a.logout)
		r.Get("/profile", a.profile)
		r.Post("/flag", a.submitFlag)
		r.Get("/leaderboard", a.leaderboard)
		r.Get("/players", a.players)

		r.Get("/lobby", a.defaultLobby)
		r.Get("/lobbies", a.listLobbies)
		r.Post("/lobbies", a.createLobby)
		r.Get("/lobbies/{code}", a.getLobby)
	})

	r.Get("/ws", ws.Handler(ws.Config{
		Hub:            d.Hub,
		Auth:           d.Game,
		Token:          a.token,
		OriginPatterns: originPatterns(d.FrontendOrigin),
		Logger:         d.Logger,
	}))
	return r
}

// originPatterns turns the front-end origin into the host pattern the
// websocket origin check expects.
func originPatterns(origin string) []string {
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return []string{origin}
	}
	return []string{u.Host}
}
