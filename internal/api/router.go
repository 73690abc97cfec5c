package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"attendance-engine/internal/auth"
	"attendance-engine/internal/httpmiddleware"
)

// RouterConfig configures authentication and limits.
type RouterConfig struct {
	JWTSigningKey   string
	JWTIssuer       string
	RateLimitPerMin int
	AccessTTL       time.Duration
	AllowOrigins    []string
	Metrics         http.Handler
}

// NewRouter builds the gin engine with every route.
func NewRouter(cfg RouterConfig, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        86400,
	}))
	r.Use(securityHeaders())

	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	r.GET("/healthz", h.Healthz)

	bearer := func(roles ...string) gin.HandlerFunc {
		return auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer, roles...)
	}
	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	bySubject := limiter.GinMiddleware(func(c *gin.Context) string {
		if claims, ok := auth.FromContext(c); ok {
			return claims.Subject
		}
		return c.ClientIP()
	})

	v1 := r.Group("/v1")

	sessions := v1.Group("/sessions")
	sessions.POST("", bearer(auth.RoleLecturer), h.OpenSession)
	sessions.GET("", bearer(auth.RoleLecturer), h.ListSessions)
	sessions.GET("/:id", bearer(auth.RoleLecturer), h.GetSession)
	sessions.POST("/:id/close", bearer(auth.RoleLecturer), h.CloseSession)
	sessions.GET("/:id/token", bearer(auth.RoleLecturer, auth.RoleDevice), h.ActiveToken)
	sessions.GET("/:id/roster", bearer(auth.RoleLecturer), h.Roster)
	sessions.POST("/:id/manual", bearer(auth.RoleLecturer), h.Manual)

	claims := v1.Group("/claims")
	claims.POST("/qr", bearer(auth.RoleStudent), bySubject, h.QRClaim)
	claims.POST("/face", bearer(auth.RoleDevice), bySubject, h.FaceClaim)

	ttl := cfg.AccessTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	v1.POST("/tokens", bearer(auth.RoleAdmin), IssueToken(cfg.JWTSigningKey, cfg.JWTIssuer, ttl))

	v1.GET("/rooms/:id/access", bearer(auth.RoleLecturer, auth.RoleDevice), h.RoomAccess)

	return r
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
