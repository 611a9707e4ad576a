package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/iSayeed/surgical-instruments-detection/internal/catalog"
	"github.com/iSayeed/surgical-instruments-detection/internal/detector"
	"github.com/iSayeed/surgical-instruments-detection/internal/logging"
	"github.com/iSayeed/surgical-instruments-detection/internal/reconcile"
	"github.com/iSayeed/surgical-instruments-detection/internal/session"
)

const testConfig = `{
  "REFERENCE_DATA": {
    "basic": [
      {"type": "scalpel", "expected_count": 2},
      {"weight": "1.5 kg"}
    ]
  },
  "SURGICAL_INSTRUMENTS": {"0": "scalpel"},
  "BEST_MODEL": {"folder_name": "train4"}
}`

type stubDetector struct {
	output     *detector.Output
	err        error
	calls      int
	sessionIDs []string
}

func (s *stubDetector) Detect(ctx context.Context, sessionID string, image []byte) (*detector.Output, error) {
	s.calls++
	s.sessionIDs = append(s.sessionIDs, sessionID)
	if s.err != nil {
		return nil, s.err
	}
	return s.output, nil
}

func (s *stubDetector) Health(ctx context.Context) error { return nil }

type stubRecorder struct {
	inputs  []session.Input
	err     error
	records []*session.Record
}

func (s *stubRecorder) Record(ctx context.Context, in session.Input) (*session.Record, error) {
	s.inputs = append(s.inputs, in)
	if s.err != nil {
		return nil, s.err
	}
	record := &session.Record{
		SessionID:      in.SessionID,
		Timestamp:      time.Now().UTC(),
		SetType:        in.SetType,
		OperationType:  in.OperationType,
		WeightInput:    in.WeightKg,
		PredictedImage: "predictions/" + in.SessionID + "_predicted.jpg",
		Report:         in.Report,
	}
	s.records = append(s.records, record)
	return record, nil
}

type stubStore struct {
	records map[string]*session.Record
	listErr error
}

func (s *stubStore) Load(sessionID string) (*session.Record, error) {
	if record, ok := s.records[sessionID]; ok {
		return record, nil
	}
	return nil, errors.New("not found")
}

func (s *stubStore) List() ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids, nil
}

type stubCache struct {
	setErrs []error
	getErrs []error
	getVals []string
	setKeys []string
	getKeys []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getVals) > 0 {
		value = s.getVals[0]
		s.getVals = s.getVals[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestUseCase(t *testing.T, det *stubDetector, rec *stubRecorder, store *stubStore, cache *stubCache) *ValidationUseCase {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cat, err := catalog.Load(path)
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}

	uc := NewValidationUseCase(cat, reconcile.NewEngine(cat), det, rec, store, cache, zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc
}

func completeInput() ValidateInput {
	return ValidateInput{
		SetType:       "basic",
		WeightKg:      1.5,
		OperationType: "appendectomy",
		ImageName:     "tray.jpg",
		Image:         []byte("image-bytes"),
	}
}

func TestValidateHappyPath(t *testing.T) {
	det := &stubDetector{output: &detector.Output{
		Detections: []detector.Detection{
			{ClassID: 0, Confidence: 0.9},
			{ClassID: 0, Confidence: 0.8},
		},
		AnnotatedImage: []byte("annotated"),
	}}
	rec := &stubRecorder{}
	cache := &stubCache{}
	uc := newTestUseCase(t, det, rec, &stubStore{}, cache)

	record, err := uc.Validate(context.Background(), completeInput())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if record.Report == nil || !record.Report.SetComplete {
		t.Fatalf("expected complete set, got %+v", record.Report)
	}
	if len(rec.inputs) != 1 {
		t.Fatalf("expected one audit record, got %d", len(rec.inputs))
	}
	if string(rec.inputs[0].Annotated) != "annotated" {
		t.Fatalf("annotated image not passed to recorder: %q", rec.inputs[0].Annotated)
	}
	if det.sessionIDs[0] != rec.inputs[0].SessionID {
		t.Fatalf("detector and recorder saw different session ids: %s vs %s",
			det.sessionIDs[0], rec.inputs[0].SessionID)
	}
	if len(cache.setKeys) < 2 {
		t.Fatalf("expected processing flag and result cache writes, got %v", cache.setKeys)
	}
}

func TestValidateUnknownSetTypeNeverCallsDetector(t *testing.T) {
	det := &stubDetector{output: &detector.Output{AnnotatedImage: []byte("annotated")}}
	rec := &stubRecorder{}
	cache := &stubCache{}
	uc := newTestUseCase(t, det, rec, &stubStore{}, cache)

	in := completeInput()
	in.SetType = "nonexistent"
	_, err := uc.Validate(context.Background(), in)
	if !errors.Is(err, catalog.ErrUnknownSetType) {
		t.Fatalf("expected ErrUnknownSetType, got %v", err)
	}
	if det.calls != 0 {
		t.Fatalf("detector must not run for an unknown set type, got %d calls", det.calls)
	}
	if len(rec.inputs) != 0 {
		t.Fatal("recorder must not run for an unknown set type")
	}
	if len(cache.setKeys) != 0 {
		t.Fatalf("cache must not be touched before validation, got %v", cache.setKeys)
	}
}

func TestValidateUnsupportedImageFormat(t *testing.T) {
	det := &stubDetector{output: &detector.Output{AnnotatedImage: []byte("annotated")}}
	uc := newTestUseCase(t, det, &stubRecorder{}, &stubStore{}, &stubCache{})

	in := completeInput()
	in.ImageName = "tray.gif"
	_, err := uc.Validate(context.Background(), in)
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
	if det.calls != 0 {
		t.Fatal("detector must not run for an unsupported image format")
	}
}

func TestValidateDetectorFailurePropagates(t *testing.T) {
	det := &stubDetector{err: detector.ErrNoResult}
	rec := &stubRecorder{}
	uc := newTestUseCase(t, det, rec, &stubStore{}, &stubCache{})

	_, err := uc.Validate(context.Background(), completeInput())
	if !errors.Is(err, detector.ErrNoResult) {
		t.Fatalf("expected ErrNoResult, got %v", err)
	}
	if len(rec.inputs) != 0 {
		t.Fatal("recorder must not run when detection fails")
	}
}

func TestValidateStorageFailureFailsRequest(t *testing.T) {
	det := &stubDetector{output: &detector.Output{
		Detections:     []detector.Detection{{ClassID: 0}, {ClassID: 0}},
		AnnotatedImage: []byte("annotated"),
	}}
	rec := &stubRecorder{err: errors.New("disk full")}
	uc := newTestUseCase(t, det, rec, &stubStore{}, &stubCache{})

	if _, err := uc.Validate(context.Background(), completeInput()); err == nil {
		t.Fatal("a validation without an audit record must fail")
	}
}

func TestValidateRetriesTransientRedisErrors(t *testing.T) {
	det := &stubDetector{output: &detector.Output{AnnotatedImage: []byte("annotated")}}
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	rec := &stubRecorder{}
	uc := newTestUseCase(t, det, rec, &stubStore{}, cache)

	_, err := uc.Validate(context.Background(), completeInput())
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
}

func TestValidateReturnsOperationErrorOnCacheFailure(t *testing.T) {
	det := &stubDetector{output: &detector.Output{AnnotatedImage: []byte("annotated")}}
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	uc := newTestUseCase(t, det, &stubRecorder{}, &stubStore{}, cache)

	_, err := uc.Validate(context.Background(), completeInput())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestResultFallsBackToStoreOnCacheMiss(t *testing.T) {
	expected := &session.Record{SessionID: "sess-1", SetType: "basic"}
	store := &stubStore{records: map[string]*session.Record{"sess-1": expected}}
	cache := &stubCache{getErrs: []error{redis.Nil}}
	uc := newTestUseCase(t, &stubDetector{}, &stubRecorder{}, store, cache)

	record, err := uc.Result(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if record != expected {
		t.Fatalf("expected store record, got %+v", record)
	}
}

func TestResultUsesCachedRecord(t *testing.T) {
	cache := &stubCache{getVals: []string{`{"session_id":"sess-2","set_type":"basic"}`}}
	uc := newTestUseCase(t, &stubDetector{}, &stubRecorder{}, &stubStore{}, cache)

	record, err := uc.Result(context.Background(), "sess-2")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if record.SessionID != "sess-2" || record.SetType != "basic" {
		t.Fatalf("unexpected cached record: %+v", record)
	}
}

func TestStatsSummarizesRecordedSessions(t *testing.T) {
	store := &stubStore{records: map[string]*session.Record{
		"a": {SessionID: "a", Report: &reconcile.Report{SetComplete: true}},
		"b": {SessionID: "b", Report: &reconcile.Report{SetComplete: false}},
		"c": {SessionID: "c", Report: &reconcile.Report{SetComplete: true}},
	}}
	uc := newTestUseCase(t, &stubDetector{}, &stubRecorder{}, store, &stubCache{})

	summary, err := uc.Stats(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if summary.TotalSessions != 3 || summary.CompleteSessions != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.CompletenessRate < 0.66 || summary.CompletenessRate > 0.67 {
		t.Fatalf("unexpected completeness rate: %v", summary.CompletenessRate)
	}
}
