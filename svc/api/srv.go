package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"psst/cfg"
	"psst/metrics"
	"psst/svc/lim"
	"psst/svc/svc"
	"psst/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	probes     []Probe
	httpServer *http.Server
}

// NewServer wires the paste routes. l may be nil to disable rate limiting.
func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, probes ...Probe) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{
		router: r,
		cfg:    c,
		probes: probes,
		httpServer: &http.Server{
			Addr:           ":" + c.Port,
			Handler:        r,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 256 * 1024,
		},
	}

	// Preflight requests are answered before routing.
	r.Use(mw.CORS)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.DevMode {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			route := chi.RouteContext(req.Context()).RoutePattern()
			metrics.RequestDuration.
				WithLabelValues(req.Method, route, strconv.Itoa(status)).
				Observe(dur.Seconds())
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("route", route).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		r.Use(middleware.NoCache)
		r.Use(mw.AnomalyDetection)
		hdl := &Hdl{paste: p, cfg: c}
		r.With(mw.RateLimit("create")).Post("/create", hdl.CreatePaste)
		r.With(mw.RateLimit("read")).Post("/paste", hdl.LookupPaste)
		r.With(mw.RateLimit("read")).Get("/paste/{id}", hdl.GetPaste)
		r.With(mw.RateLimit("status")).Get("/paste/{id}/status", hdl.GetStatus)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
