package bootstrap

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/lumenlearn/voicekit/internal/session"
)

// NewEchoServer is the local observability surface: health, Prometheus
// metrics, and per-session status for whoever is driving the engine.
func NewEchoServer(mgr *session.Manager) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":   "healthy",
			"sessions": mgr.Count(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/api/v1/sessions/:id/status", func(c echo.Context) error {
		eng, ok := mgr.Get(c.Param("id"))
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return c.JSON(http.StatusOK, map[string]any{
			"session":   eng.Session(),
			"status":    eng.Status(),
			"micStatus": eng.MicStatus(),
			"textOnly":  eng.TextOnly(),
		})
	})
	e.GET("/api/v1/sessions/:id/transcript", func(c echo.Context) error {
		eng, ok := mgr.Get(c.Param("id"))
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return c.JSON(http.StatusOK, eng.Transcript())
	})
	e.POST("/api/v1/sessions/:id/text", func(c echo.Context) error {
		eng, ok := mgr.Get(c.Param("id"))
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		var req struct {
			Text string `json:"text"`
		}
		if err := c.Bind(&req); err != nil || req.Text == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "text is required")
		}
		if err := eng.SendText(req.Text); err != nil {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
	})
	return e
}

func StartServer(lc fx.Lifecycle, e *echo.Echo, cfg *Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := e.Start(cfg.ServerAddr); err != nil && err != http.ErrServerClosed {
					e.Logger.Fatal(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}

var ServerModule = fx.Options(
	fx.Provide(NewEchoServer),
	fx.Invoke(StartServer),
)

func Run() {
	fx.New(
		fx.Provide(LoadConfig),
		InfrastructureModule,
		StoresModule,
		SessionModule,
		ServerModule,
	).Run()
}
