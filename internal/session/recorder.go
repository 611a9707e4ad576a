package session

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/iSayeed/surgical-instruments-detection/internal/logging"
	"github.com/iSayeed/surgical-instruments-detection/internal/reconcile"
)

const thumbnailSize = 256

// Input carries everything the recorder needs for one session.
type Input struct {
	SessionID     string
	SetType       string
	OperationType string
	WeightKg      float64
	ImageName     string
	Original      []byte
	Annotated     []byte
	Report        *reconcile.Report
}

// Recorder writes audit records under a base directory:
//
//	uploads/<id>_original<ext>
//	predictions/<id>_predicted.jpg
//	sessions/<id>/session_data.json
//	sessions/<id>/thumbnail.jpg
//
// Each session id owns its sessions/ subdirectory exclusively, so concurrent
// recordings never interleave writes.
type Recorder struct {
	baseDir string
	logger  *zap.Logger
	now     func() time.Time
}

// NewRecorder ensures the storage layout exists under baseDir.
func NewRecorder(baseDir string, logger *zap.Logger) (*Recorder, error) {
	for _, dir := range []string{baseDir, filepath.Join(baseDir, "uploads"), filepath.Join(baseDir, "predictions"), filepath.Join(baseDir, "sessions")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	return &Recorder{baseDir: baseDir, logger: logger.Named("session_recorder"), now: time.Now}, nil
}

// Record durably persists one session. Any write failure propagates: a
// validation whose audit record cannot be stored must fail as a whole.
func (r *Recorder) Record(ctx context.Context, in Input) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, logging.NewOperationError("session.record", in.SessionID, err)
	}

	sessionDir := filepath.Join(r.baseDir, "sessions", in.SessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, logging.NewOperationError("session.create_dir", in.SessionID, err)
	}

	origPath := filepath.Join(r.baseDir, "uploads", in.SessionID+"_original"+imageExt(in.ImageName))
	if err := os.WriteFile(origPath, in.Original, 0o644); err != nil {
		return nil, logging.NewOperationError("session.write_original", in.SessionID, err)
	}

	predPath := filepath.Join(r.baseDir, "predictions", in.SessionID+"_predicted.jpg")
	if err := os.WriteFile(predPath, in.Annotated, 0o644); err != nil {
		return nil, logging.NewOperationError("session.write_predicted", in.SessionID, err)
	}

	r.writeThumbnail(sessionDir, in)

	hash := sha1.Sum(in.Original)
	record := &Record{
		SessionID:      in.SessionID,
		Timestamp:      r.now().UTC(),
		SetType:        in.SetType,
		OperationType:  in.OperationType,
		WeightInput:    in.WeightKg,
		OriginalImage:  origPath,
		PredictedImage: predPath,
		SHA1Hash:       hex.EncodeToString(hash[:]),
		Report:         in.Report,
	}

	serialized, err := json.MarshalIndent(record, "", "    ")
	if err != nil {
		return nil, logging.NewOperationError("session.marshal_record", in.SessionID, err)
	}
	if err := os.WriteFile(filepath.Join(sessionDir, "session_data.json"), serialized, 0o644); err != nil {
		return nil, logging.NewOperationError("session.write_record", in.SessionID, err)
	}

	r.logger.Info("session recorded",
		zap.String("session_id", in.SessionID),
		zap.String("set_type", in.SetType),
		zap.Bool("set_complete", in.Report != nil && in.Report.SetComplete))

	return record, nil
}

// writeThumbnail adds a review-sized copy of the original image to the
// session directory. The thumbnail is a convenience, not part of the audit
// contract, so an undecodable original only logs a warning.
func (r *Recorder) writeThumbnail(sessionDir string, in Input) {
	img, err := imaging.Decode(bytes.NewReader(in.Original))
	if err != nil {
		r.logger.Warn("skipping thumbnail, original image not decodable",
			zap.String("session_id", in.SessionID), zap.Error(err))
		return
	}
	thumb := imaging.Thumbnail(img, thumbnailSize, thumbnailSize, imaging.Lanczos)
	if err := imaging.Save(thumb, filepath.Join(sessionDir, "thumbnail.jpg")); err != nil {
		r.logger.Warn("failed to save thumbnail",
			zap.String("session_id", in.SessionID), zap.Error(err))
	}
}

func imageExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ".jpg"
	}
	return ext
}
