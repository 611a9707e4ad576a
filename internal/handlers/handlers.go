package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iSayeed/surgical-instruments-detection/internal/catalog"
	"github.com/iSayeed/surgical-instruments-detection/internal/detector"
	"github.com/iSayeed/surgical-instruments-detection/internal/session"
	"github.com/iSayeed/surgical-instruments-detection/internal/usecase"
)

// MaxUploadSize caps inbound image uploads.
const MaxUploadSize = 10 << 20

// ValidationService is the slice of the use case the HTTP layer depends on.
type ValidationService interface {
	Validate(ctx context.Context, in usecase.ValidateInput) (*session.Record, error)
	Result(ctx context.Context, sessionID string) (*session.Record, error)
	Stats(ctx context.Context) (*usecase.StatsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc ValidationService) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/infer", func(c *gin.Context) {
		setType := c.PostForm("set_type")
		if setType == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "set_type is required"})
			return
		}

		weight, err := strconv.ParseFloat(c.PostForm("weight_input"), 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "weight_input must be a number"})
			return
		}

		operationType := c.PostForm("operation_type")
		if operationType == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "operation_type is required"})
			return
		}

		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		record, err := svc.Validate(c.Request.Context(), usecase.ValidateInput{
			SetType:       setType,
			WeightKg:      weight,
			OperationType: operationType,
			ImageName:     file.Filename,
			Image:         data,
		})
		if err != nil {
			status := statusForError(err)
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"session_id":           record.SessionID,
			"detected_instruments": record.Report.DetectedInstruments,
			"expected_instruments": record.Report.ExpectedInstruments,
			"set_complete":         record.Report.SetComplete,
			"missing_items":        record.Report.MissingItems,
			"predicted_image_path": record.PredictedImage,
			"operation_type":       record.Report.OperationType,
		})
	})

	router.GET("/sessions/:id", func(c *gin.Context) {
		sessionID := c.Param("id")
		record, err := svc.Result(c.Request.Context(), sessionID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, record)
	})

	router.GET("/stats", func(c *gin.Context) {
		summary, err := svc.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, catalog.ErrUnknownSetType):
		return http.StatusBadRequest
	case errors.Is(err, usecase.ErrUnsupportedImage):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, detector.ErrNoResult):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
