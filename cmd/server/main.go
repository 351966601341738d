package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/confmatch/confmatch-api/internal/config"
	"github.com/confmatch/confmatch-api/internal/confirmations"
	"github.com/confmatch/confmatch-api/internal/database"
	"github.com/confmatch/confmatch-api/internal/engine"
	"github.com/confmatch/confmatch-api/internal/lifecycle"
	"github.com/confmatch/confmatch-api/internal/party"
	"github.com/confmatch/confmatch-api/internal/rules"
	"github.com/confmatch/confmatch-api/pkg/middleware"
	"github.com/confmatch/confmatch-api/pkg/response"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the confirmation matching API server with
// graceful shutdown support. It sets up all required services, the database
// connection, the background matching processor and the API routes.
func main() {
	cfg := config.LoadConfig()

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	partyService := party.NewService(db)
	partyHandlers := party.NewGinHandlers(partyService)

	confirmationsService := confirmations.NewService(db)
	confirmationsHandlers := confirmations.NewGinHandlers(confirmationsService)

	rulesService := rules.NewService(db)
	rulesHandlers := rules.NewGinHandlers(rulesService)

	lifecycleService := lifecycle.NewService(db)
	lifecycleHandlers := lifecycle.NewGinHandlers(lifecycleService)

	// Seed the default matching rule so a bare deployment can match
	if _, err := rulesService.EnsureDefaultRule(cfg.DefaultRuleName); err != nil {
		zlog.Fatal().Err(err).Str("rule_name", cfg.DefaultRuleName).Msg("Failed to seed default matching rule")
	}

	orchestrator := engine.NewOrchestrator(
		confirmationsService,
		lifecycleService,
		lifecycleService,
		rulesService,
		cfg.DefaultRuleName,
	)
	engineHandlers := engine.NewGinHandlers(orchestrator)

	// Create and start the scheduled matching processor
	matchingProcessor := engine.NewProcessor(orchestrator, cfg.PassInterval)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go matchingProcessor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit(cfg.RateLimitRPM))

	// Setup API routes
	setupRoutes(router, confirmationsHandlers, lifecycleHandlers, rulesHandlers, partyHandlers, engineHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop scheduling passes before closing the listener
	processorCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality:
// - Confirmation routes: Intake and read access for trade confirmations
// - Leg routes: Read access for extracted legs
// - Internal routes: Matching passes, match relationships, rules and the
//   party directory (should be protected by internal network)
// Parameters:
//   - router: The main Gin router instance
//   - confirmationsHandlers: Handlers for confirmation intake and reads
//   - lifecycleHandlers: Handlers for legs and match relationships
//   - rulesHandlers: Handlers for matching rule management
//   - partyHandlers: Handlers for the party directory
//   - engineHandlers: Handlers for triggering matching passes
func setupRoutes(
	router *gin.Engine,
	confirmationsHandlers *confirmations.GinHandlers,
	lifecycleHandlers *lifecycle.GinHandlers,
	rulesHandlers *rules.GinHandlers,
	partyHandlers *party.GinHandlers,
	engineHandlers *engine.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", func(c *gin.Context) {
			response.Success(c, gin.H{"status": "ok"})
		})

		// Confirmation routes
		confirmationRoutes := v1.Group("/confirmations")
		{
			confirmationRoutes.POST("", confirmationsHandlers.IngestConfirmationHandler())
			confirmationRoutes.GET("", confirmationsHandlers.ListConfirmationsHandler())
			confirmationRoutes.GET("/:confirmation_id", confirmationsHandlers.GetConfirmationHandler())
			confirmationRoutes.GET("/:confirmation_id/history", confirmationsHandlers.GetConfirmationHistoryHandler())
		}

		// Leg routes
		legRoutes := v1.Group("/legs")
		{
			legRoutes.GET("/:leg_id", lifecycleHandlers.GetLegHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		{
			internal.POST("/matching/run", engineHandlers.RunPassHandler())

			internal.GET("/matches", lifecycleHandlers.ListRelationshipsHandler())
			internal.GET("/matches/:relationship_id", lifecycleHandlers.GetRelationshipHandler())
			internal.POST("/matches/:relationship_id/unwind", lifecycleHandlers.UnwindMatchHandler())

			internal.GET("/rules", rulesHandlers.ListRulesHandler())
			internal.POST("/rules", rulesHandlers.CreateRuleHandler())
			internal.GET("/rules/:name", rulesHandlers.GetRuleHandler())

			internal.GET("/parties", partyHandlers.ListPartiesHandler())
			internal.POST("/parties", partyHandlers.RegisterPartyHandler())
			internal.POST("/parties/import", partyHandlers.ImportPartiesHandler())
		}
	}
}
