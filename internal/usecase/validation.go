package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/iSayeed/surgical-instruments-detection/internal/aggregate"
	"github.com/iSayeed/surgical-instruments-detection/internal/catalog"
	"github.com/iSayeed/surgical-instruments-detection/internal/detector"
	"github.com/iSayeed/surgical-instruments-detection/internal/logging"
	"github.com/iSayeed/surgical-instruments-detection/internal/reconcile"
	"github.com/iSayeed/surgical-instruments-detection/internal/session"
)

// ErrUnsupportedImage reports an upload that is not a PNG or JPEG.
var ErrUnsupportedImage = errors.New("unsupported image format")

// SessionRecorder persists one audit record per validation.
type SessionRecorder interface {
	Record(ctx context.Context, in session.Input) (*session.Record, error)
}

// SessionStore reads recorded sessions back.
type SessionStore interface {
	Load(sessionID string) (*session.Record, error)
	List() ([]string, error)
}

// ValidationUseCase orchestrates one instrument set validation: early input
// checks, detector call, count aggregation, reconciliation against the
// catalog, and the mandatory audit record.
type ValidationUseCase struct {
	catalog  *catalog.Catalog
	engine   *reconcile.Engine
	detector detector.Client
	recorder SessionRecorder
	store    SessionStore
	cache    Cache
	logger   *zap.Logger

	newID          func(time.Time) string
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// ValidateInput is one inbound validation request.
type ValidateInput struct {
	SetType       string
	WeightKg      float64
	OperationType string
	ImageName     string
	Image         []byte
}

// NewValidationUseCase constructs a new use case instance.
func NewValidationUseCase(cat *catalog.Catalog, engine *reconcile.Engine, det detector.Client, recorder SessionRecorder, store SessionStore, cache Cache, logger *zap.Logger) *ValidationUseCase {
	return &ValidationUseCase{
		catalog:        cat,
		engine:         engine,
		detector:       det,
		recorder:       recorder,
		store:          store,
		cache:          cache,
		logger:         logger.Named("validation_usecase"),
		newID:          session.NewID,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Validate runs the full pipeline for one request and returns the persisted
// session record. Input validation happens before the detector is invoked, so
// a bad set type or image format never costs an inference call or leaves a
// partial audit record.
func (uc *ValidationUseCase) Validate(ctx context.Context, in ValidateInput) (*session.Record, error) {
	sessionID := uc.newID(time.Now())
	opLogger := logging.WithSession(uc.logger, "usecase.validate", sessionID)

	if !uc.catalog.HasSetType(in.SetType) {
		validationsTotal.WithLabelValues("invalid_set_type").Inc()
		return nil, fmt.Errorf("%w: %q (available: %s)",
			catalog.ErrUnknownSetType, in.SetType, strings.Join(uc.catalog.SetTypes(), ", "))
	}
	if err := checkImageFormat(in.ImageName); err != nil {
		validationsTotal.WithLabelValues("unsupported_image").Inc()
		return nil, err
	}

	cacheKey := "session:" + sessionID
	if err := uc.withRedisRetry(ctx, sessionID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, "processing", time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		validationsTotal.WithLabelValues("cache_error").Inc()
		return nil, err
	}

	detectStart := time.Now()
	out, err := uc.detector.Detect(ctx, sessionID, in.Image)
	detectionSeconds.Observe(time.Since(detectStart).Seconds())
	if err != nil {
		wrapped := logging.NewOperationError("usecase.detect", sessionID, err)
		opLogger.Error("detection failed", zap.Error(wrapped))
		validationsTotal.WithLabelValues("detector_error").Inc()
		return nil, wrapped
	}
	if out == nil {
		validationsTotal.WithLabelValues("detector_error").Inc()
		return nil, logging.NewOperationError("usecase.detect", sessionID, detector.ErrNoResult)
	}

	counts := aggregate.Counts(out.Detections, uc.catalog.ClassName)
	logDetectedCounts(opLogger, counts)

	report, err := uc.engine.Reconcile(counts, in.SetType, in.WeightKg, in.OperationType)
	if err != nil {
		// Set type membership was checked above; this only fires if the
		// catalog and the check disagree, which would be a bug.
		return nil, logging.NewOperationError("usecase.reconcile", sessionID, err)
	}

	record, err := uc.recorder.Record(ctx, session.Input{
		SessionID:     sessionID,
		SetType:       in.SetType,
		OperationType: in.OperationType,
		WeightKg:      in.WeightKg,
		ImageName:     in.ImageName,
		Original:      in.Image,
		Annotated:     out.AnnotatedImage,
		Report:        report,
	})
	if err != nil {
		// The audit trail is a compliance requirement: no record, no report.
		opLogger.Error("failed to record session", zap.Error(err))
		validationsTotal.WithLabelValues("storage_error").Inc()
		return nil, err
	}

	serialized, err := json.Marshal(record)
	if err != nil {
		opLogger.Error("failed to serialize session record", zap.Error(err))
		validationsTotal.WithLabelValues("cache_error").Inc()
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, sessionID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), 5*time.Minute)
	}); err != nil {
		opLogger.Error("failed to cache session record", zap.Error(err))
		validationsTotal.WithLabelValues("cache_error").Inc()
		return nil, err
	}

	validationsTotal.WithLabelValues("ok").Inc()
	if !report.SetComplete {
		incompleteSetsTotal.Inc()
		opLogger.Info("set incomplete",
			zap.String("set_type", in.SetType),
			zap.Int("missing_items", len(report.MissingItems)))
	}

	return record, nil
}

// Result retrieves a session record from cache, falling back to the audit store.
func (uc *ValidationUseCase) Result(ctx context.Context, sessionID string) (*session.Record, error) {
	cacheKey := "session:" + sessionID
	if cached, err := uc.withRedisGet(ctx, sessionID, "cache.get.result", cacheKey); err == nil {
		var record session.Record
		if err := json.Unmarshal([]byte(cached), &record); err != nil {
			logging.WithSession(uc.logger, "usecase.result", sessionID).Warn("failed to decode cached record", zap.Error(err))
		} else if record.SessionID != "" {
			return &record, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithSession(uc.logger, "usecase.result", sessionID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.store.Load(sessionID)
}

func checkImageFormat(name string) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return nil
	}
	return fmt.Errorf("%w: %q (only PNG, JPG, and JPEG are allowed)", ErrUnsupportedImage, name)
}

func logDetectedCounts(logger *zap.Logger, counts []aggregate.InstrumentCount) {
	for _, c := range counts {
		logger.Info("detected instrument",
			zap.String("type", c.Type),
			zap.Int("count", c.Count),
			zap.Float64("confidence", c.Confidence))
	}
}

func (uc *ValidationUseCase) withRedisRetry(ctx context.Context, sessionID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, sessionID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithSession(uc.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func (uc *ValidationUseCase) withRedisGet(ctx context.Context, sessionID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, sessionID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
