package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/masroore/dicomscp/internal/cache"
	"github.com/masroore/dicomscp/internal/config"
	"github.com/masroore/dicomscp/internal/database"
	"github.com/masroore/dicomscp/internal/handlers"
	"github.com/masroore/dicomscp/internal/middleware"
	"github.com/masroore/dicomscp/internal/policy"
	"github.com/masroore/dicomscp/internal/repository"
	"github.com/masroore/dicomscp/internal/scp"
	"github.com/masroore/dicomscp/internal/scu"
	"github.com/masroore/dicomscp/internal/services"
	"github.com/masroore/dicomscp/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("ae_title", cfg.DICOM.AETitle).Msg("Starting DICOM server")

	// Connect to database
	dbConfig := database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	}

	if err := database.Connect(dbConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// Initialize cache
	var cacheImpl cache.Cache
	if cfg.Cache.Enabled {
		if cfg.Cache.Type == "redis" {
			addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			cacheImpl, err = cache.NewRedisCache(addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to connect to Redis")
			}
			log.Info().Msg("Redis cache initialized")
		} else {
			cacheImpl = cache.NewMemoryCache()
			log.Info().Msg("Memory cache initialized")
		}
	} else {
		cacheImpl = cache.NewMemoryCache() // Fallback
		log.Info().Msg("Cache disabled, using memory cache as fallback")
	}

	// Initialize repositories
	archiveRepo := repository.NewArchiveRepository()
	worklistRepo := repository.NewWorklistRepository()
	printRepo := repository.NewPrintRepository()
	nodeRepo := repository.NewNodeRepository()
	auditRepo := repository.NewAuditRepository()

	// Initialize services
	resolver := services.NewNodeResolver(cfg.DICOM.MoveDestinations, nodeRepo)
	storageService := services.NewStorageService(cfg.Storage, archiveRepo, auditRepo)
	qrService := services.NewQueryRetrieveService(cfg.DICOM, archiveRepo, resolver, nil)
	worklistService := services.NewWorklistService(cfg.DICOM, worklistRepo)
	printService := services.NewPrintService(cfg.Storage, printRepo)
	scuClient := scu.NewClient(cfg.DICOM, cacheImpl, cfg.Cache.TTL)

	// Archive listener: storage, query/retrieve and print
	archiveServer := scp.NewServer("archive", cfg.DICOM, cfg.DICOM.Port,
		policy.New(cfg.DICOM, cfg.Print.Enabled, policy.RoleArchive),
		scp.Services{
			Storage: storageService,
			Query:   qrService,
			Move:    qrService,
			Get:     qrService,
			Print:   printService,
		})

	// Worklist listener: MWL C-FIND only
	worklistServer := scp.NewServer("worklist", cfg.DICOM, cfg.DICOM.WorklistPort,
		policy.New(cfg.DICOM, false, policy.RoleWorklist),
		scp.Services{
			Worklist: worklistService,
		})

	scpCtx, stopSCP := context.WithCancel(context.Background())
	defer stopSCP()
	for name, server := range map[string]*scp.Server{
		"archive":  archiveServer,
		"worklist": worklistServer,
	} {
		go func(name string, server *scp.Server) {
			if err := server.Serve(scpCtx); err != nil {
				log.Fatal().Err(err).Str("listener", name).Msg("DICOM listener failed")
			}
		}(name, server)
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler()
	managementHandler := handlers.NewManagementHandler(nodeRepo, archiveRepo, auditRepo, scuClient)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints (no authentication required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Management API
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/nodes", managementHandler.CreateNode)
		r.Get("/nodes", managementHandler.ListNodes)
		r.Post("/nodes/{name}/echo", managementHandler.EchoNode)

		r.Get("/studies", managementHandler.SearchStudies)
		r.Get("/studies/{studyUID}/series", managementHandler.GetStudySeries)

		r.Post("/forward", managementHandler.ForwardFiles)
		r.Get("/audit", managementHandler.GetAuditLog)
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Management server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Stop accepting associations, then drain HTTP
	archiveServer.Shutdown()
	worklistServer.Shutdown()
	stopSCP()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
