package service

import (
	"errors"
	"fmt"

	"videogen-queue/internal/models"
)

// ErrArtifactMissing means a completed job's video no longer exists on disk.
var ErrArtifactMissing = errors.New("video file not found")

// ValidationError describes a rejected submission.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotReadyError is returned when an artifact is requested before the job completed.
type NotReadyError struct {
	Status models.Status
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("video not ready, job is %s", e.Status)
}
