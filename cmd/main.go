package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"gcloud-connector/internal/datastore/config"
	"gcloud-connector/internal/di"
	"gcloud-connector/internal/emulator"
	"gcloud-connector/internal/shared/logger"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"localhost"`
	Port string `env:"SERVER_PORT" envDefault:"3000"`
}

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	serverCfg := &ServerConfig{}
	if err := env.Parse(serverCfg); err != nil {
		log.Fatalf("Failed to load server configuration: %v", err)
	}

	appLogger := logger.NewLogger()

	dsCfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load datastore configuration: %v", err)
	}
	appLogger.Info("Configuration loaded, backend: ", dsCfg.Backend)

	container := di.NewContainer()
	container.Logger = appLogger
	defer func() {
		if err := container.Close(); err != nil {
			appLogger.Error("Failed to close container: ", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if dsCfg.Emulator.Enabled {
		supervisor := emulator.NewSupervisor(&dsCfg.Emulator, appLogger)
		if err := supervisor.Start(ctx); err != nil {
			log.Fatalf("Failed to start the datastore emulator: %v", err)
		}
		defer supervisor.Stop()
	}

	// Unique constraints are deployment specific; none are enforced by default.
	if err := container.InitializeDatastore(ctx, dsCfg, nil); err != nil {
		log.Fatalf("Failed to initialize datastore module: %v", err)
	}
	appLogger.Info("Datastore module initialized successfully")

	app := fiber.New(fiber.Config{
		AppName:      "GCloud Datastore Connector v1.0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			appLogger.Error("HTTP Error: ", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Internal Server Error",
			})
		},
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		healthCtx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
		defer cancel()

		if err := container.HealthCheck(healthCtx); err != nil {
			appLogger.Error("Health check failed: ", err)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "UNHEALTHY",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"status":    "HEALTHY",
			"backend":   dsCfg.Backend,
			"timestamp": time.Now().UTC(),
		})
	})

	container.GetDatastoreModule().RegisterRoutes(app)
	appLogger.Info("Datastore routes registered")

	serverAddr := fmt.Sprintf("%s:%s", serverCfg.Host, serverCfg.Port)
	appLogger.Info("Starting HTTP server on ", serverAddr)

	serverShutdown := make(chan error, 1)
	go func() {
		serverShutdown <- app.Listen(serverAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverShutdown:
		if err != nil {
			log.Fatalf("Server startup failed: %v", err)
		}
	case sig := <-quit:
		appLogger.Info("Received shutdown signal: ", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown: ", err)
		}
		appLogger.Info("HTTP server stopped")
	}
}
