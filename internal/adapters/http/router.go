package http

import (
	"context"
	"net/http"

	"github.com/dkeye/renderstream/internal/adapters/relay"
	"github.com/dkeye/renderstream/internal/adapters/signal"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SessionMiddleware resolves the Session-Id header to a live polling session.
func SessionMiddleware(srv *relay.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.GetHeader(signal.SessionHeader)
		if sid == "" || !srv.HasSession(sid) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or unknown session"})
			return
		}
		c.Set(relay.SessionKey, sid)
		c.Next()
	}
}

// RateLimitMiddleware rejects sessions exceeding the relay's post rate.
func RateLimitMiddleware(rl *relay.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.GetString(relay.SessionKey)) {
			log.Warn().Str("module", "adapters.http").Str("session_id", c.GetString(relay.SessionKey)).Msg("rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, mode string, srv *relay.Server) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	r.PUT("/signaling", srv.CreateSession)
	r.GET("/signaling/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Msg("ws signal endpoint hit")
		srv.HandleSocket(ctx, c)
	})

	api := r.Group("/signaling", SessionMiddleware(srv))
	api.GET("", srv.GetMessages)
	api.DELETE("", srv.DeleteSession)
	api.PUT("/connection", srv.CreateConnection)
	api.DELETE("/connection", srv.DeleteConnection)

	posts := api.Group("", RateLimitMiddleware(srv.Limiter()))
	posts.POST("/offer", srv.PostOffer)
	posts.POST("/answer", srv.PostAnswer)
	posts.POST("/candidate", srv.PostCandidate)

	return r
}
