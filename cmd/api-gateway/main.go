package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/event-cert-api/api/swagger"
	"github.com/noah-isme/event-cert-api/internal/handler"
	"github.com/noah-isme/event-cert-api/internal/repository"
	"github.com/noah-isme/event-cert-api/internal/service"
	"github.com/noah-isme/event-cert-api/pkg/cache"
	"github.com/noah-isme/event-cert-api/pkg/config"
	"github.com/noah-isme/event-cert-api/pkg/database"
	"github.com/noah-isme/event-cert-api/pkg/jobs"
	"github.com/noah-isme/event-cert-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/event-cert-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/event-cert-api/pkg/middleware/requestid"
	"github.com/noah-isme/event-cert-api/pkg/token"
)

// @title Event Certification API
// @version 0.1.0
// @description Enrollment, attendance, grading and streaming access for certifiable event blocks
// @BasePath /
// @schemes http

const cleanupJobType = "streaming.cleanup-orphaned"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, stats caching disabled", "error", err)
		redisClient = nil
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	blockRepo := repository.NewBlockRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	evaluationRepo := repository.NewEvaluationRepository(db)
	gradeRepo := repository.NewGradeRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)

	var cacheSvc *service.CacheService
	if redisClient != nil {
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, metrics, cfg.Stats.CacheTTL, logr, cfg.Stats.CacheEnabled)
	}

	signer := token.NewSigner(cfg.Token.Secret, cfg.Token.Issuer, nil)

	blockSvc := service.NewBlockService(blockRepo, catalogRepo, validate, logr)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, blockRepo, catalogRepo, validate, logr)
	attendanceSvc := service.NewAttendanceService(attendanceRepo, catalogRepo, enrollmentRepo, validate, logr)
	gradeSvc := service.NewGradeService(gradeRepo, evaluationRepo, enrollmentRepo, blockRepo, catalogRepo, cacheSvc, validate, logr)
	streamingSvc := service.NewStreamingService(attendanceRepo, catalogRepo, enrollmentRepo, signer, cfg.Streaming, metrics, logr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanupQueue := jobs.NewQueue("maintenance", func(ctx context.Context, job jobs.Job) error {
		if job.Type != cleanupJobType {
			return nil
		}
		_, err := streamingSvc.CleanupOrphanedConnections(ctx)
		return err
	}, jobs.QueueConfig{Workers: 1, Logger: logr})
	cleanupQueue.Start(ctx)
	defer cleanupQueue.Stop()
	cleanupQueue.EnqueueEvery(ctx, cfg.Streaming.CleanupInterval, cleanupJobType)

	blockHandler := handler.NewBlockHandler(blockSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	attendanceHandler := handler.NewAttendanceHandler(attendanceSvc)
	gradeHandler := handler.NewGradeHandler(gradeSvc)
	streamingHandler := handler.NewStreamingHandler(streamingSvc)
	metricsHandler := handler.NewMetricsHandler(metrics)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		api.POST("/blocks", blockHandler.Create)
		api.GET("/blocks", blockHandler.List)
		api.GET("/blocks/:id", blockHandler.Get)
		api.POST("/blocks/:id/transition", blockHandler.Transition)

		api.POST("/blocks/:id/enrollments", enrollmentHandler.Enroll)
		api.GET("/blocks/:id/enrollments", enrollmentHandler.ListByBlock)
		api.POST("/blocks/:id/enrollments/start", enrollmentHandler.StartBlock)
		api.GET("/enrollments/:id", enrollmentHandler.Get)
		api.POST("/enrollments/:id/confirm-payment", enrollmentHandler.ConfirmPayment)
		api.POST("/enrollments/:id/cancel", enrollmentHandler.Cancel)
		api.POST("/enrollments/:id/withdraw", enrollmentHandler.Withdraw)
		api.POST("/enrollments/:id/finalize", enrollmentHandler.Finalize)

		api.POST("/attendance", attendanceHandler.Record)
		api.POST("/sessions/:sessionId/attendance/batch", attendanceHandler.BatchRecord)
		api.POST("/sessions/:sessionId/check-in", attendanceHandler.CheckIn)
		api.POST("/sessions/:sessionId/check-out", attendanceHandler.CheckOut)
		api.POST("/sessions/:sessionId/virtual-connections", attendanceHandler.RecordVirtualConnection)
		api.GET("/enrollments/:id/attendance", attendanceHandler.ListForEnrollment)
		api.POST("/enrollments/:id/attendance/recalculate", attendanceHandler.Recalculate)

		api.POST("/blocks/:id/evaluations", gradeHandler.CreateEvaluation)
		api.POST("/grades", gradeHandler.Record)
		api.POST("/evaluations/:evaluationId/grades/batch", gradeHandler.BatchRecord)
		api.POST("/blocks/:id/grades/publish", gradeHandler.Publish)
		api.POST("/enrollments/:id/grades/recalculate", gradeHandler.Recalculate)
		api.GET("/evaluations/:evaluationId/stats", gradeHandler.Stats)

		api.POST("/sessions/:sessionId/streaming/token", streamingHandler.GenerateToken)
		api.GET("/streaming/validate", streamingHandler.ValidateToken)
		api.POST("/streaming/connect", streamingHandler.Connect)
		api.POST("/streaming/disconnect", streamingHandler.Disconnect)
		api.GET("/sessions/:sessionId/streaming/connections", streamingHandler.Connections)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
