package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scriptcustody/internal/attendance"
	"scriptcustody/internal/auth"
	"scriptcustody/internal/config"
	"scriptcustody/internal/custody"
	"scriptcustody/internal/handler"
	"scriptcustody/internal/httpmiddleware"
	"scriptcustody/internal/link"
	"scriptcustody/internal/metrics"
	"scriptcustody/internal/queue"
	"scriptcustody/internal/realtime"
	"scriptcustody/internal/session"
	"scriptcustody/internal/store"
	"scriptcustody/internal/webauthn"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		if db == nil {
			return err
		}
		log.Printf("warning: db not ready: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "custody:audit")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := session.NewRepository(db.Client)
	attRepo := attendance.NewRepository(db.Client)

	// Every accepted transition goes to the audit queue; the worker
	// persists it.
	sink := attendance.SinkFunc(func(ctx context.Context, evt attendance.AuditEvent) {
		body, err := json.Marshal(evt)
		if err != nil {
			return
		}
		if err := q.Publish(ctx, queue.Message{Type: "audit", Body: body}); err != nil {
			metrics.QueueFailures.Inc()
			log.Printf("audit publish failed: %v", err)
		}
	})
	machine := attendance.NewMachine(attRepo, sessions, sink)

	linkRepo := link.NewRepository(db.Client)
	locker := link.NewRedisLocker(redisClient.Client, 5*time.Second)
	links := link.NewManager(linkRepo, locker, machine, cfg.LinkMinTTL, cfg.LinkMaxTTL, cfg.LinkTokenLength)

	custodyMachine := custody.NewMachine(custody.NewRepository(db.Client), sessions)

	challenges := webauthn.NewRedisChallenges(redisClient.Client)
	ceremony := webauthn.New(challenges, webauthn.NewRepository(db.Client), cfg.RelyingPartyID,
		cfg.CeremonyTimeout, cfg.MinEnrollConfidence, cfg.MinVerifyConfidence, cfg.CeremonyInsecure)

	hub := realtime.NewHub()
	bridge := realtime.NewBridge(hub, redisClient.Client)
	go bridge.Run(ctx)

	h := handler.New(cfg, sessions, machine, links, custodyMachine, ceremony, bridge)

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	if cfg.DevTokenMint {
		r.POST("/v1/auth/token", func(c *gin.Context) {
			var req struct {
				Subject string `json:"subject" binding:"required"`
				Role    string `json:"role" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			tokens, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{
				"access_token":  tokens.AccessToken,
				"refresh_token": tokens.RefreshToken,
				"expires_at":    tokens.AccessExp.Unix(),
			})
		})
	}

	// Student-facing link validation is unauthenticated: the token in
	// the URL is the credential being checked.
	r.POST("/v1/links/:token/validate", h.ValidateLink)

	authed := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))

	staff := authed.Group("", auth.RequireRole(auth.RoleHandler, auth.RoleLecturer))
	{
		staff.POST("/sessions", h.CreateSession)
		staff.GET("/sessions/:id", h.GetSession)
		staff.POST("/sessions/:id/status", h.SetSessionStatus)
		staff.POST("/sessions/:id/roster", h.UploadRoster)
		staff.POST("/sessions/:id/scan", h.Scan)
		staff.POST("/sessions/:id/manual", h.ManualEntry)
		staff.GET("/sessions/:id/attendance", h.ListAttendance)
		staff.POST("/attendance/:recordID/exit", h.RecordExit)
		staff.POST("/attendance/:recordID/submit", h.RecordSubmission)
		staff.POST("/sessions/:id/links", h.GenerateLink)
		staff.DELETE("/links/:token", h.RevokeLink)
		staff.POST("/transfers", h.InitiateTransfer)
		staff.POST("/transfers/:id/respond", h.RespondTransfer)
		staff.POST("/transfers/:id/resolve", h.ResolveTransfer)
		staff.GET("/batches/:id/custody", h.BatchCustody)
	}

	students := authed.Group("", auth.RequireRole(auth.RoleStudent))
	{
		students.POST("/links/:token/redeem", h.RedeemLink)
		students.POST("/webauthn/register/options", h.RegisterOptions)
		students.POST("/webauthn/register/finish", h.RegisterFinish)
		students.POST("/webauthn/authenticate/options", h.AuthenticateOptions)
		students.POST("/webauthn/authenticate/finish", h.AuthenticateFinish)
		students.POST("/webauthn/support", h.DeviceSupport)
	}

	authed.GET("/ws", realtime.ServeWS(hub))

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
