package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/storewise/charging/internal/charging"
	"github.com/storewise/charging/internal/config"
	orderrepo "github.com/storewise/charging/internal/ordering/repository"
	"github.com/storewise/charging/internal/payout"
	"github.com/storewise/charging/internal/usage"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Server exposes the charge, confirmation and payout surface over HTTP.
type Server struct {
	engine   *gin.Engine
	log      *zap.Logger
	cfg      config.Config
	orders   *orderrepo.Repository
	charges  *charging.Engine
	payouts  *payout.Engine
	usagesvc *usage.Validator
}

type Params struct {
	fx.In

	Gin      *gin.Engine
	Log      *zap.Logger
	Cfg      config.Config
	Orders   *orderrepo.Repository
	Charges  *charging.Engine
	Payouts  *payout.Engine
	Usagesvc *usage.Validator
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:   p.Gin,
		log:      p.Log.Named("http.server"),
		cfg:      p.Cfg,
		orders:   p.Orders,
		charges:  p.Charges,
		payouts:  p.Payouts,
		usagesvc: p.Usagesvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	ch := s.engine.Group("/charging")
	ch.POST("/orders/:ref/charge", s.ChargeOrder)
	ch.GET("/confirm", s.ConfirmCharge)
	ch.POST("/confirm", s.ConfirmCharge)
	ch.GET("/cancel", s.CancelCharge)
	ch.POST("/cancel", s.CancelCharge)
	ch.POST("/orders/:ref/usage", s.SubmitUsage)
	ch.GET("/orders/:ref/usage", s.OrderUsage)

	s.engine.POST("/payouts/run", s.RunPayouts)
}

func registerGin(reg *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return r
}

func run(lc fx.Lifecycle, log *zap.Logger, cfg config.Config, r *gin.Engine, _ *Server) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)
