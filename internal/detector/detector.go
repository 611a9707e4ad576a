package detector

import (
	"context"
	"errors"
)

// ErrNoResult reports that the inference service produced no usable output.
var ErrNoResult = errors.New("detector produced no result")

// Detection is one bounding box observed by the external model.
type Detection struct {
	ClassID    int        `json:"class_id"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

// Output is the full result of one inference call. The annotated image is
// returned directly with the detections, so callers never have to locate it
// in a shared output directory.
type Output struct {
	Detections     []Detection
	AnnotatedImage []byte
}

// Client exposes the subset of the inference service used by the validation
// flow. The session id is the per-request handle: every call is isolated and
// concurrent requests cannot observe each other's output.
type Client interface {
	Detect(ctx context.Context, sessionID string, image []byte) (*Output, error)
	Health(ctx context.Context) error
}
