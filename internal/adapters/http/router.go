package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Tether/internal/adapters/signal"
	"github.com/dkeye/Tether/internal/app/orch"
	"github.com/dkeye/Tether/internal/config"
	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	sessionName    = "TetherSessions"
	deviceKey      = "device"
	deviceMaxAge   = 3600 * 24 * 7
	clientTokenKey = "client_token"
)

// ClientTokenMiddleware keeps a device id in the cookie session. The
// signaling layer records it as the device id of a connection.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(deviceKey).(string)
		if token == "" {
			token = uuid.NewString()
			session.Set(deviceKey, token)
			session.Options(sessions.Options{Path: "/", MaxAge: deviceMaxAge, HttpOnly: true, SameSite: http.SameSiteLaxMode})
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save device session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

type Deps struct {
	Orch     *orch.Orchestrator
	Auth     core.IdentityProvider
	Worker   core.MediaWorker
	Gatherer prometheus.Gatherer
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		if !d.Worker.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "mediaWorker": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mediaWorker": true})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	ctrl := signal.NewSignalWSController(d.Orch, d.Auth, signal.Options{
		ReadLimit:      cfg.WS.ReadLimit,
		PingPeriod:     cfg.WS.PingPeriod,
		PongWait:       cfg.WS.PongWait,
		WriteWait:      cfg.WS.WriteWait,
		SendBuffer:     cfg.WS.SendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	log.Info().Str("module", "adapters.http").Strs("origins", cfg.AllowedOrigins).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/presence/:userId", func(c *gin.Context) {
		if _, err := d.Auth.Authenticate(c.Request); err != nil {
			reason, msg := core.ReasonOf(err)
			c.JSON(http.StatusUnauthorized, gin.H{"reason": reason, "error": msg})
			return
		}
		u, err := domain.ParseUserID(c.Param("userId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"reason": core.ReasonInvalidUserID, "error": "invalid user id"})
			return
		}
		pr, err := d.Orch.Presence.GetPresence(c.Request.Context(), u)
		if err != nil {
			reason, msg := core.ReasonOf(err)
			c.JSON(statusOf(err), gin.H{"reason": reason, "error": msg})
			return
		}
		c.JSON(http.StatusOK, pr)
	})

	return r
}

func statusOf(err error) int {
	switch core.KindOf(err) {
	case core.KindAuthentication:
		return http.StatusUnauthorized
	case core.KindAuthorization:
		return http.StatusForbidden
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindConflict:
		return http.StatusConflict
	case core.KindUnavailable, core.KindStore:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
