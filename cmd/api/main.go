package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schoolattend/internal/auth"
	"schoolattend/internal/config"
	"schoolattend/internal/engine"
	"schoolattend/internal/httpmiddleware"
	"schoolattend/internal/notify"
	"schoolattend/internal/pending"
	"schoolattend/internal/recorder"
	"schoolattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	loc, err := time.LoadLocation(cfg.SchoolTimezone)
	if err != nil {
		return err
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	repo := store.NewRepository(db.Client)

	rules := engine.DefaultRules(loc)
	rules.GraceMinutes = cfg.GraceMinutes
	rules.LateWindowMinutes = cfg.LateWindowMinutes
	rules.LookbackDays = cfg.LookbackDays
	rules.Holidays = engine.NewHolidaySet(cfg.Holidays...)
	if dates, err := repo.Holidays(context.Background()); err != nil {
		log.Printf("warning: holiday load failed, using env set only: %v", err)
	} else {
		for _, d := range dates {
			rules.Holidays[d] = struct{}{}
		}
	}

	queue, err := pending.NewFileQueue(cfg.PendingPath, cfg.DeadLetterPath)
	if err != nil {
		return err
	}
	notifier := notify.New(cfg.NotifyURL, cfg.NotifySkip)
	rec := recorder.New(repo, queue, redisClient, notifier, rules, recorder.Config{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		SettleDelay: cfg.SettleDelay,
	}, nil)

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

	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.DeviceID, auth.RoleScanner, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
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

	authGroup := r.Group("/v1", auth.DeviceAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/checkins", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
			Shift     string `json:"shift"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		student, configs, _, httpErr := loadStudentInputs(c.Request.Context(), repo, req.StudentID, false)
		if httpErr != nil {
			c.JSON(httpErr.code, gin.H{"error": httpErr.msg})
			return
		}

		// The write path must outlive the client request: a dropped
		// connection must not cancel the write or its fallbacks.
		result, err := rec.RecordCheckIn(context.Background(), *student, req.Shift, configs)
		if err != nil {
			var cerr *recorder.CheckInError
			if errors.As(err, &cerr) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check-in failed", "reason": string(cerr.Reason)})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		status := http.StatusOK
		if result.Queued {
			status = http.StatusAccepted
		}
		c.JSON(status, result)
	})

	authGroup.GET("/students/:id/status", func(c *gin.Context) {
		date := c.Query("date")
		if date == "" {
			date = engine.DateString(time.Now().In(loc))
		}
		student, configs, perms, httpErr := loadStudentInputs(c.Request.Context(), repo, c.Param("id"), true)
		if httpErr != nil {
			c.JSON(httpErr.code, gin.H{"error": httpErr.msg})
			return
		}
		record, err := repo.FindRecord(c.Request.Context(), student.ID, date, student.Shift)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		day := engine.ClassifyDay(*student, date, record, configs, perms, rules, time.Now())
		c.JSON(http.StatusOK, gin.H{"student_id": student.ID, "date": date, "status": day})
	})

	authGroup.GET("/students/:id/summary", func(c *gin.Context) {
		now := time.Now().In(loc)
		month := c.Query("month")
		if month == "" {
			month = now.Format("2006-01")
		}
		student, configs, perms, httpErr := loadStudentInputs(c.Request.Context(), repo, c.Param("id"), true)
		if httpErr != nil {
			c.JSON(httpErr.code, gin.H{"error": httpErr.msg})
			return
		}
		records, err := repo.ListStudentRecords(c.Request.Context(), student.ID,
			engine.RecordWindowStart(month, now, rules), engine.DateString(now))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		streak := engine.ConsecutiveAbsences(*student, records, configs, perms, rules, now)
		absences, err := engine.MonthlyAbsences(*student, records, month, configs, perms, rules, now)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		lates, err := engine.MonthlyLates(*student, records, month, rules)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"student_id":           student.ID,
			"month":                month,
			"consecutive_absences": streak,
			"monthly_absences":     absences,
			"monthly_lates":        lates,
			"average_arrival":      engine.AverageArrival(records, month),
		})
	})

	authGroup.GET("/leaderboard", func(c *gin.Context) {
		now := time.Now().In(loc)
		month := c.Query("month")
		if month == "" {
			month = now.Format("2006-01")
		}
		first, err := time.ParseInLocation("2006-01", month, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "month must be YYYY-MM"})
			return
		}
		monthEnd := engine.DateString(first.AddDate(0, 1, -1))

		students, err := repo.ListStudents(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		recordsByStudent := make(map[string][]engine.Record, len(students))
		for _, st := range students {
			records, err := repo.ListStudentRecords(c.Request.Context(), st.ID, month+"-01", monthEnd)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			recordsByStudent[st.ID] = records
		}
		board := engine.ShiftLeaderboard(students, recordsByStudent, month, 0)
		c.JSON(http.StatusOK, board)
	})

	authGroup.GET("/warnings", func(c *gin.Context) {
		now := time.Now().In(loc)
		month := c.Query("month")
		if month == "" {
			month = now.Format("2006-01")
		}
		th := engine.WarningThresholds{
			ConsecutiveAbsences: intQuery(c, "consecutive", 3),
			MonthlyAbsences:     intQuery(c, "absences", 5),
			MonthlyLates:        intQuery(c, "lates", 5),
		}
		students, err := repo.ListStudents(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		configs, err := repo.ClassConfigs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var warnings []engine.Warning
		for _, st := range students {
			records, err := repo.ListStudentRecords(c.Request.Context(), st.ID, engine.RecordWindowStart(month, now, rules), engine.DateString(now))
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			perms, err := repo.ApprovedPermissions(c.Request.Context(), st.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			warnings = append(warnings, engine.CollectWarnings(st, records, month, configs, perms, rules, now, th)...)
		}
		c.JSON(http.StatusOK, gin.H{"warnings": warnings})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	log.Println("server exited")
	return nil
}

type httpError struct {
	code int
	msg  string
}

// loadStudentInputs gathers the classifier's read-only inputs for one
// student. Permissions are only fetched when needed.
func loadStudentInputs(ctx context.Context, repo *store.Repository, studentID string, withPerms bool) (*engine.Student, engine.ClassConfigs, []engine.Permission, *httpError) {
	student, err := repo.GetStudent(ctx, studentID)
	if err != nil {
		return nil, nil, nil, &httpError{http.StatusInternalServerError, err.Error()}
	}
	if student == nil {
		return nil, nil, nil, &httpError{http.StatusNotFound, "unknown student"}
	}
	configs, err := repo.ClassConfigs(ctx)
	if err != nil {
		return nil, nil, nil, &httpError{http.StatusInternalServerError, err.Error()}
	}
	var perms []engine.Permission
	if withPerms {
		if perms, err = repo.ApprovedPermissions(ctx, studentID); err != nil {
			return nil, nil, nil, &httpError{http.StatusInternalServerError, err.Error()}
		}
	}
	return student, configs, perms, nil
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// CORS middleware for browser dashboards.
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
