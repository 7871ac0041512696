package main

import (
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/classdesk/classdesk-api/api/swagger"
	"github.com/classdesk/classdesk-api/internal/handler"
	"github.com/classdesk/classdesk-api/internal/middleware"
	"github.com/classdesk/classdesk-api/internal/models"
	"github.com/classdesk/classdesk-api/internal/repository"
	"github.com/classdesk/classdesk-api/internal/service"
	"github.com/classdesk/classdesk-api/pkg/cache"
	"github.com/classdesk/classdesk-api/pkg/config"
	"github.com/classdesk/classdesk-api/pkg/database"
	"github.com/classdesk/classdesk-api/pkg/export"
	"github.com/classdesk/classdesk-api/pkg/logger"
	corsmiddleware "github.com/classdesk/classdesk-api/pkg/middleware/cors"
	reqidmiddleware "github.com/classdesk/classdesk-api/pkg/middleware/requestid"
	"github.com/classdesk/classdesk-api/pkg/storage"
)

// @title ClassDesk API
// @version 1.0.0
// @description Versioned attachment and access-gated delivery service
// @BasePath /api/v1
// @schemes http

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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// Cache is an optimization; the API serves without it.
		logr.Warn("redis unavailable, subject cache disabled", zap.Error(err))
		redisClient = nil
	}

	blobs, err := storage.NewBlobStore(cfg.Storage.Dir)
	if err != nil {
		logr.Fatal("failed to init blob store", zap.Error(err))
	}
	signer := storage.NewSignedURLSigner(cfg.Storage.SignedURLSecret, cfg.Storage.SignedURLTTL)

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	classRepo := repository.NewClassRepository(db)
	subjectRepo := repository.NewSubjectRepository(db)
	versionRepo := repository.NewVersionRepository(db)
	reviewRepo := repository.NewReviewRepository(db)
	versionRepo.RegisterDependent(reviewRepo)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	metricsService := service.NewMetricsService()
	accessService := service.NewAccessService(logr)
	authService := service.NewAuthService(userRepo, classRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "classdesk-api",
	})
	subjectService := service.NewSubjectService(subjectRepo, cacheRepo, userRepo, accessService, validate, logr, service.SubjectServiceConfig{
		EnabledTypes: cfg.Subjects.EnabledTypes,
		CacheTTL:     cfg.Storage.SubjectCacheTTL,
	}).WithMetrics(metricsService)
	attachmentService := service.NewAttachmentService(
		versionRepo, reviewRepo, subjectService, userRepo,
		accessService, blobs, signer, userRepo, validate, logr,
		service.AttachmentServiceConfig{
			MaxFileSizeBytes: cfg.Storage.MaxFileSizeBytes,
			AllowedMIMEs:     cfg.Storage.AllowedMIMEs,
		},
	)
	progressService := service.NewProgressService(versionRepo, subjectService, accessService, export.NewCSVExporter(), export.NewPDFExporter(), logr)

	authHandler := handler.NewAuthHandler(authService)
	subjectHandler := handler.NewSubjectHandler(subjectService, progressService)
	attachmentHandler := handler.NewAttachmentHandler(attachmentService)
	metricsHandler := handler.NewMetricsHandler(metricsService)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authService), authHandler.Logout)
		auth.POST("/change-password", middleware.JWT(authService), authHandler.ChangePassword)
		auth.GET("/me", middleware.JWT(authService), authHandler.Me)
	}

	// Signed links carry their own authorization, no JWT required.
	api.GET("/downloads/signed", attachmentHandler.DownloadSigned)

	protected := api.Group("")
	protected.Use(middleware.JWT(authService))
	{
		protected.GET("/subjects", subjectHandler.List)
		protected.GET("/subjects/:id", subjectHandler.Get)
		protected.POST("/subjects",
			middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleTeacher),
			subjectHandler.Create)
		protected.PUT("/subjects/:id/state",
			middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleTeacher),
			subjectHandler.SetState)
		protected.GET("/subjects/:id/progress", subjectHandler.Progress)
		protected.GET("/subjects/:id/progress/export", subjectHandler.ExportProgress)
		protected.GET("/subjects/:id/access", attachmentHandler.CheckAccess)

		protected.POST("/subjects/:id/attachments", attachmentHandler.Upload)
		protected.GET("/subjects/:id/attachments/current", attachmentHandler.Current)
		protected.GET("/subjects/:id/attachments/history", attachmentHandler.History)
		protected.GET("/subjects/:id/attachments/archive", attachmentHandler.BulkArchive)

		protected.GET("/attachments/:versionId", attachmentHandler.Download)
		protected.DELETE("/attachments/:versionId", attachmentHandler.Retire)
		protected.POST("/attachments/:versionId/signed-link", attachmentHandler.SignedLink)
		protected.POST("/attachments/:versionId/reviews", attachmentHandler.AttachReview)
		protected.GET("/attachments/:versionId/reviews/:reviewId/grading", attachmentHandler.DownloadGrading)

		protected.GET("/system/metrics", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin), metricsHandler.Snapshot)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
