// Package session persists one immutable audit record per validation
// request: the original image, the annotated image, and the full
// completeness report.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/iSayeed/surgical-instruments-detection/internal/reconcile"
)

// Record is one audited validation transaction. Immutable once written.
type Record struct {
	SessionID      string            `json:"session_id"`
	Timestamp      time.Time         `json:"timestamp"`
	SetType        string            `json:"set_type"`
	OperationType  string            `json:"operation_type"`
	WeightInput    float64           `json:"weight_input"`
	OriginalImage  string            `json:"original_image"`
	PredictedImage string            `json:"predicted_image"`
	SHA1Hash       string            `json:"sha1_hash"`
	Report         *reconcile.Report `json:"detection_report"`
}

// NewID returns a session identifier: a second-resolution UTC timestamp for
// human-readable audit directories, plus a random suffix so concurrent
// requests within the same second never collide.
func NewID(now time.Time) string {
	return now.UTC().Format("20060102_150405") + "_" + uuid.NewString()[:8]
}
