package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clubattend/internal/attendance"
	"clubattend/internal/auth"
	"clubattend/internal/config"
	"clubattend/internal/geoclient"
	"clubattend/internal/httpmiddleware"
	"clubattend/internal/queue"
	"clubattend/internal/store"
)

// backend is what the API needs from storage: sessions, records, roster.
type backend interface {
	attendance.Store
	attendance.Roster
	UpsertStudent(ctx context.Context, st attendance.Student) error
}

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
	var (
		db *store.DB
		bk backend
	)
	if cfg.StoreBackend == "memory" {
		log.Println("using in-memory store (STORE_BACKEND=memory)")
		bk = attendance.NewMemStore()
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Printf("warning: db not reachable: %v", err)
		}
		defer func() {
			if db != nil {
				_ = db.Close()
			}
		}()
		if db != nil {
			if err := store.RunMigrations(db.Client); err != nil {
				log.Printf("warning: migrations failed: %v", err)
			}
			bk = attendance.NewRepository(db.Client)
		} else {
			bk = attendance.NewMemStore()
		}
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "clubattend:checkins")
	}

	geo := geoclient.New(cfg.GeoServiceURL, cfg.GeoSkip, cfg.GeoTimeout)
	mgr := attendance.NewManager(bk, nil)
	rec := attendance.NewReconciler(bk, nil)
	agg := attendance.NewAggregator(bk, bk)
	ctx := context.Background()

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

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil || cfg.StoreBackend == "memory"
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
			Role   string `json:"role"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		role := auth.RoleStudent
		if req.Role == auth.RoleAdmin {
			if c.GetHeader("X-Admin-Key") != cfg.AdminKey {
				c.JSON(http.StatusForbidden, gin.H{"error": "admin key required"})
				return
			}
			role = auth.RoleAdmin
		}
		tokens, err := auth.Issue(req.UserID, role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
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

	authed := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	admin := authed.Group("", auth.RequireRole(auth.RoleAdmin))

	admin.POST("/sessions", func(c *gin.Context) {
		var req struct {
			Batch             string                  `json:"batch" binding:"required"`
			Date              string                  `json:"date"`
			SessionType       string                  `json:"session_type"`
			Location          string                  `json:"location"`
			Anchor            *attendance.Coordinates `json:"anchor"`
			MaxDistanceMeters float64                 `json:"max_distance_meters"`
			CodeValidityMins  int                     `json:"code_validity_minutes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		batch, err := attendance.ParseBatch(req.Batch)
		if err != nil {
			writeErr(c, err)
			return
		}
		var date time.Time
		if req.Date != "" {
			date, err = time.Parse("2006-01-02", req.Date)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
				return
			}
		}
		in := attendance.CreateSessionInput{
			Batch:             batch,
			Date:              date,
			Type:              attendance.SessionType(req.SessionType),
			Location:          req.Location,
			Anchor:            req.Anchor,
			MaxDistanceMeters: req.MaxDistanceMeters,
			CodeValidity:      time.Duration(req.CodeValidityMins) * time.Minute,
		}
		if in.CodeValidity <= 0 {
			in.CodeValidity = cfg.DefaultCodeTTL
		}
		if in.MaxDistanceMeters <= 0 {
			in.MaxDistanceMeters = cfg.DefaultMaxDistance
		}
		s, err := mgr.CreateSession(c.Request.Context(), in)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, sessionView(&s, true))
	})

	admin.GET("/sessions", func(c *gin.Context) {
		batch, err := attendance.ParseBatch(c.Query("batch"))
		if err != nil {
			writeErr(c, err)
			return
		}
		sessions, err := mgr.ListSessions(c.Request.Context(), batch, c.Query("active") == "true")
		if err != nil {
			writeErr(c, err)
			return
		}
		views := make([]gin.H, 0, len(sessions))
		for i := range sessions {
			views = append(views, sessionView(&sessions[i], false))
		}
		c.JSON(http.StatusOK, gin.H{"sessions": views})
	})

	admin.POST("/sessions/:id/refresh", func(c *gin.Context) {
		s, err := mgr.RefreshCode(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, sessionView(&s, true))
	})

	admin.POST("/sessions/:id/close", func(c *gin.Context) {
		if err := mgr.CloseSession(c.Request.Context(), c.Param("id")); err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"closed": true})
	})

	admin.DELETE("/sessions/:id", func(c *gin.Context) {
		if err := mgr.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	})

	admin.GET("/sessions/:id/records", func(c *gin.Context) {
		records, err := rec.SessionRecords(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	admin.POST("/sessions/:id/marks", func(c *gin.Context) {
		var req struct {
			Marks  []attendance.Mark `json:"marks" binding:"required"`
			Method string            `json:"method"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := rec.MarkBulk(c.Request.Context(), c.Param("id"), req.Marks, attendance.Method(req.Method))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	admin.POST("/records/manual", func(c *gin.Context) {
		var req struct {
			UserID    string `json:"user_id" binding:"required"`
			Status    string `json:"status" binding:"required"`
			Date      string `json:"date" binding:"required"`
			Batch     string `json:"batch" binding:"required"`
			StartTime string `json:"start_time"`
			EndTime   string `json:"end_time"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		batch, err := attendance.ParseBatch(req.Batch)
		if err != nil {
			writeErr(c, err)
			return
		}
		date, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		in := attendance.ManualMarkInput{
			UserID: req.UserID,
			Status: attendance.Status(req.Status),
			Date:   date,
			Batch:  batch,
		}
		if req.StartTime != "" && req.EndTime != "" {
			in.Start, err = parseClock(date, req.StartTime)
			if err == nil {
				in.End, err = parseClock(date, req.EndTime)
			}
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "times must be HH:MM"})
				return
			}
		}
		record, err := rec.MarkManual(c.Request.Context(), in)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	})

	admin.DELETE("/records", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
			Date   string `json:"date" binding:"required"`
			Manual bool   `json:"manual"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		date, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		if err := rec.DeleteRecord(c.Request.Context(), req.UserID, date, req.Manual); err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	})

	admin.POST("/students", func(c *gin.Context) {
		var req attendance.Student
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		batch, err := attendance.ParseBatch(string(req.Batch))
		if err != nil {
			writeErr(c, err)
			return
		}
		req.Batch = batch
		if req.UserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
			return
		}
		if err := bk.UpsertStudent(c.Request.Context(), req); err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, req)
	})

	admin.GET("/batches/:batch/stats", func(c *gin.Context) {
		batch, err := attendance.ParseBatch(c.Param("batch"))
		if err != nil {
			writeErr(c, err)
			return
		}
		stats, err := agg.BatchStats(c.Request.Context(), batch)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	admin.GET("/batches/:batch/rankings", func(c *gin.Context) {
		batch, err := attendance.ParseBatch(c.Param("batch"))
		if err != nil {
			writeErr(c, err)
			return
		}
		ranked, err := agg.Rankings(c.Request.Context(), batch)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"rankings":       ranked,
			"top_performers": attendance.TopPerformers(ranked),
			"at_risk":        attendance.AtRisk(ranked),
		})
	})

	admin.GET("/batches/:batch/report", func(c *gin.Context) {
		batch, err := attendance.ParseBatch(c.Param("batch"))
		if err != nil {
			writeErr(c, err)
			return
		}
		rows, err := agg.Report(c.Request.Context(), batch)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	})

	// Check-in is the one student-facing mutation; rate-limit it.
	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	authed.POST("/checkins", limiter.GinMiddleware(), func(c *gin.Context) {
		var req struct {
			Code     string               `json:"code" binding:"required"`
			UserID   string               `json:"user_id" binding:"required"`
			Position *attendance.Position `json:"position"`
			DeviceID string               `json:"device_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)
		if claims.Role == auth.RoleStudent && claims.Subject != "" && claims.Subject != req.UserID {
			c.JSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}

		// Prefer coordinates the device already captured; fall back to the
		// relay only when the caller named a device without a position.
		pos := req.Position
		if pos == nil && req.DeviceID != "" {
			fetched, err := geo.Position(c.Request.Context(), req.DeviceID)
			switch {
			case err == nil:
				pos = fetched
			case errors.Is(err, attendance.ErrGeoUnavailable):
				log.Printf("geo unavailable for device %s, proceeding unverified", req.DeviceID)
			default:
				log.Printf("geo lookup failed for device %s: %v", req.DeviceID, err)
			}
		}

		record, err := rec.CheckIn(c.Request.Context(), req.Code, req.UserID, pos)
		if err != nil {
			writeErr(c, err)
			return
		}

		body, _ := json.Marshal(record)
		if err := q.Publish(ctx, queue.Message{Type: "checkin", Body: body}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}

		c.JSON(http.StatusAccepted, record)
	})

	authed.GET("/students/:id/stats", func(c *gin.Context) {
		userID := c.Param("id")
		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)
		if claims.Role == auth.RoleStudent && claims.Subject != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "not your stats"})
			return
		}
		stats, err := agg.StudentStats(c.Request.Context(), userID)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
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

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// sessionView shapes a session for responses. The full code is only included
// right after create/refresh; list responses carry the short code alone.
func sessionView(s *attendance.Session, includeCode bool) gin.H {
	v := gin.H{
		"id":                  s.ID,
		"batch":               s.Batch,
		"date":                s.Date.Format("2006-01-02"),
		"session_type":        s.Type,
		"location":            s.Location,
		"anchor":              s.Anchor,
		"max_distance_meters": s.MaxDistanceMeters,
		"short_code":          s.ShortCode(),
		"code_issued_at":      s.CodeIssuedAt,
		"code_expires_at":     s.CodeExpiresAt,
		"active":              s.Active,
	}
	if includeCode {
		v["code"] = s.Code
	}
	return v
}

func parseClock(date time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC), nil
}

// writeErr maps the domain error taxonomy onto HTTP statuses. The reason
// matters to students: expired means ask for a refresh, invalid means
// re-scan, closed means the class already ended.
func writeErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case attendance.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, attendance.ErrCodeInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, attendance.ErrCodeExpired):
		status = http.StatusGone
	case errors.Is(err, attendance.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, attendance.ErrSessionNotFound), errors.Is(err, attendance.ErrRecordNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
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
