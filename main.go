package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/iSayeed/surgical-instruments-detection/internal/catalog"
	"github.com/iSayeed/surgical-instruments-detection/internal/detector"
	"github.com/iSayeed/surgical-instruments-detection/internal/handlers"
	"github.com/iSayeed/surgical-instruments-detection/internal/logging"
	"github.com/iSayeed/surgical-instruments-detection/internal/reconcile"
	"github.com/iSayeed/surgical-instruments-detection/internal/session"
	"github.com/iSayeed/surgical-instruments-detection/internal/usecase"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cat, err := catalog.Load(getEnv("CONFIG_PATH", "config.json"))
	if err != nil {
		logger.Fatal("failed to load instrument catalog", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, logger)

	inferenceURL := getEnv("INFERENCE_URL", "http://localhost:5000")
	det := detector.NewHTTPClient(inferenceURL, cat.ModelName(), logger)
	if err := det.Health(ctx); err != nil {
		logger.Warn("inference service not reachable at startup", zap.Error(err), zap.String("url", inferenceURL))
	}

	storageDir := getEnv("STORAGE_DIR", "storage")
	recorder, err := session.NewRecorder(storageDir, logger)
	if err != nil {
		logger.Fatal("failed to prepare session storage", zap.Error(err))
	}
	store := session.NewStore(storageDir)

	engine := reconcile.NewEngine(cat)
	if tolerance := os.Getenv("WEIGHT_TOLERANCE_KG"); tolerance != "" {
		kg, err := strconv.ParseFloat(tolerance, 64)
		if err != nil || kg < 0 {
			logger.Fatal("invalid WEIGHT_TOLERANCE_KG", zap.String("value", tolerance))
		}
		engine.WeightTolerance = kg
	}

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewValidationUseCase(cat, engine, det, recorder, store, cache, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc)

	addr := getEnv("LISTEN_ADDR", ":8080")
	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	logger.Info("surgical set validation API listening",
		zap.String("addr", addr),
		zap.Strings("set_types", cat.SetTypes()))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initRedis(ctx context.Context, zapLogger *zap.Logger) *redis.Client {
	addr := getEnv("REDIS_ADDR", "redis:6379")
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
