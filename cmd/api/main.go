package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"

	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/identity"
	"qrattend/internal/ledger"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/roster"
	"qrattend/internal/scan"
	"qrattend/internal/session"
	"qrattend/internal/snapshot"
	"qrattend/internal/store"
	"qrattend/internal/token"
)

func main() {
	// Load .env (non-fatal if missing in production)
	_ = godotenv.Load()

	cfg := config.Load()

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
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()

	if err := store.EnsureSchema(context.Background(), db.Client); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:events")
	}

	users := identity.NewRepository(db.Client)
	if err := users.EnsureAdmin(context.Background(), cfg.AdminIdentifier, cfg.AdminPassword, cfg.AdminName); err != nil {
		log.Printf("warning: admin seed failed: %v", err)
	}
	issuer := token.NewIssuer(token.NewRepository(db.Client))
	records := ledger.NewRepository(db.Client)
	enrollments := roster.NewRepository(db.Client)
	snaps := snapshot.NewRedisStore(redisClient.Client, cfg.SnapshotTTL)

	sessions := session.NewController(issuer, records, enrollments, snaps, cfg.PollInterval)
	defer sessions.Shutdown()
	scans := scan.NewService(issuer, records, enrollments)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

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

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			Identifier string `json:"identifier" binding:"required"`
			Password   string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		usr, err := users.Authenticate(c.Request.Context(), req.Identifier, req.Password)
		if err != nil {
			if errors.Is(err, identity.ErrBadCredentials) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		tokens, err := auth.Issue(usr.ID, usr.Name, usr.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"role":          usr.Role,
			"name":          usr.Name,
		})
	})

	teacher := r.Group("/v1/subjects", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, "teacher"))

	teacher.GET("/:id/session", func(c *gin.Context) {
		sess, err := sessions.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	teacher.POST("/:id/session/start", func(c *gin.Context) {
		sess, err := sessions.Start(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortTransition(c, err)
			return
		}
		metrics.TokensMinted.WithLabelValues(strconv.FormatBool(sess.LateMode)).Inc()
		c.JSON(http.StatusOK, sess)
	})

	teacher.POST("/:id/session/pause", func(c *gin.Context) {
		sess, err := sessions.Pause(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortTransition(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	teacher.POST("/:id/session/resume", func(c *gin.Context) {
		sess, err := sessions.Resume(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortTransition(c, err)
			return
		}
		metrics.TokensMinted.WithLabelValues("true").Inc()
		c.JSON(http.StatusOK, sess)
	})

	teacher.POST("/:id/session/end", func(c *gin.Context) {
		sess, result, err := sessions.End(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortTransition(c, err)
			return
		}
		metrics.AbsencesBackfilled.Add(float64(result.Backfilled))

		msg, merr := queue.NewMessage(queue.TypeSessionEnd, queue.SessionEndEvent{
			SubjectID: sess.SubjectID,
			Date:      sess.Date,
			Present:   result.Present,
			Late:      result.Late,
			Absent:    result.Absent,
		})
		if merr == nil {
			if err := q.Publish(c.Request.Context(), msg); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
		}
		c.JSON(http.StatusOK, gin.H{"session": sess, "result": result})
	})

	teacher.POST("/:id/session/new", func(c *gin.Context) {
		sess, err := sessions.NewSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortTransition(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	teacher.PUT("/:id/records", func(c *gin.Context) {
		var req struct {
			Edits []session.Edit `json:"edits" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := sessions.SaveEdits(c.Request.Context(), c.Param("id"), req.Edits)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		metrics.SaveWrites.WithLabelValues("succeeded").Add(float64(result.Succeeded))
		metrics.SaveWrites.WithLabelValues("failed").Add(float64(result.Failed))
		c.JSON(http.StatusOK, gin.H{
			"result":  result,
			"message": fmt.Sprintf("%d succeeded, %d failed", result.Succeeded, result.Failed),
		})
	})

	teacher.GET("/:id/session/qr.png", func(c *gin.Context) {
		sess, err := sessions.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess.CurrentToken == "" {
			c.JSON(http.StatusConflict, gin.H{"error": "no active token"})
			return
		}
		checkIn := fmt.Sprintf("%s?token=%s&subjectId=%s&ts=%d&scan=attendance",
			cfg.CheckInBaseURL, url.QueryEscape(sess.CurrentToken), url.QueryEscape(sess.SubjectID), time.Now().Unix())
		png, err := qrcode.Encode(checkIn, qrcode.Medium, 256)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr encode failed"})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "image/png", png)
	})

	student := r.Group("/v1/attendance", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, "student"))

	student.POST("/scan", func(c *gin.Context) {
		var req struct {
			QRCode string `json:"qr_code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims := mustClaims(c)
		result, err := scans.CheckIn(c.Request.Context(), claims.Subject, req.QRCode)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrNotFound):
				metrics.Scans.WithLabelValues("rejected").Inc()
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired QR code"})
			case errors.Is(err, scan.ErrBadPayload):
				metrics.Scans.WithLabelValues("rejected").Inc()
				c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized QR payload"})
			case errors.Is(err, scan.ErrNotEnrolled):
				metrics.Scans.WithLabelValues("not_enrolled").Inc()
				c.JSON(http.StatusForbidden, gin.H{"error": "not enrolled in this subject"})
			case errors.Is(err, scan.ErrInFlight):
				c.JSON(http.StatusConflict, gin.H{"error": "scan already in progress"})
			default:
				metrics.Scans.WithLabelValues("error").Inc()
				c.JSON(http.StatusInternalServerError, gin.H{"error": "check-in failed"})
			}
			return
		}
		metrics.Scans.WithLabelValues(string(result.Outcome)).Inc()

		if result.Outcome != scan.OutcomeAlready && result.Record != nil {
			msg, merr := queue.NewMessage(queue.TypeScan, queue.ScanEvent{
				StudentID: result.Record.StudentID,
				SubjectID: result.Record.SubjectID,
				Date:      result.Record.Date,
				Status:    string(result.Record.Status),
			})
			if merr == nil {
				if err := q.Publish(c.Request.Context(), msg); err != nil {
					log.Printf("queue publish failed: %v", err)
				}
			}
		}
		c.JSON(http.StatusOK, result)
	})

	student.GET("/history", func(c *gin.Context) {
		claims := mustClaims(c)
		limit := 100
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		recs, err := records.QueryHistory(c.Request.Context(), claims.Subject, c.Query("subject_id"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func mustClaims(c *gin.Context) auth.Claims {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(auth.Claims)
	return claims
}

func abortTransition(c *gin.Context, err error) {
	if errors.Is(err, session.ErrBadTransition) {
		c.JSON(http.StatusConflict, gin.H{"error": "not allowed in current session state"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
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

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
