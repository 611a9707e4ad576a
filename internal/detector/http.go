package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iSayeed/surgical-instruments-detection/internal/logging"
)

// HTTPClient calls a YOLO inference service over HTTP. The service receives
// the image together with the session id and model name and answers with the
// detections and the annotated image in one response.
type HTTPClient struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient builds a client for the inference service at baseURL.
func NewHTTPClient(baseURL, model string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger.Named("detector"),
	}
}

type inferResponse struct {
	Detections     []Detection `json:"detections"`
	AnnotatedImage string      `json:"annotated_image"`
}

// Detect runs inference on one image.
func (c *HTTPClient) Detect(ctx context.Context, sessionID string, image []byte) (*Output, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("session_id", sessionID); err != nil {
		return nil, logging.NewOperationError("detector.build_request", sessionID, err)
	}
	if err := writer.WriteField("model", c.model); err != nil {
		return nil, logging.NewOperationError("detector.build_request", sessionID, err)
	}
	part, err := writer.CreateFormFile("image", "image.jpg")
	if err != nil {
		return nil, logging.NewOperationError("detector.build_request", sessionID, err)
	}
	if _, err := io.Copy(part, bytes.NewReader(image)); err != nil {
		return nil, logging.NewOperationError("detector.build_request", sessionID, err)
	}
	if err := writer.Close(); err != nil {
		return nil, logging.NewOperationError("detector.build_request", sessionID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", body)
	if err != nil {
		return nil, logging.NewOperationError("detector.build_request", sessionID, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("detector.predict", sessionID, err)
		c.logger.Error("inference call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: inference service returned status %d", ErrNoResult, resp.StatusCode)
		c.logger.Error("inference call failed", zap.Error(err), zap.String("session_id", sessionID))
		return nil, err
	}

	var decoded inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: undecodable inference response: %v", ErrNoResult, err)
	}
	if decoded.AnnotatedImage == "" {
		return nil, fmt.Errorf("%w: response carries no annotated image", ErrNoResult)
	}
	annotated, err := base64.StdEncoding.DecodeString(decoded.AnnotatedImage)
	if err != nil {
		return nil, fmt.Errorf("%w: annotated image is not valid base64: %v", ErrNoResult, err)
	}

	c.logger.Info("inference completed",
		zap.String("session_id", sessionID),
		zap.Int("detections", len(decoded.Detections)))

	return &Output{Detections: decoded.Detections, AnnotatedImage: annotated}, nil
}

// Health probes the inference service.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
