// Package pipeline runs the background inference cycle: it consumes queued
// upload jobs, submits frames to the detection provider, records the result,
// applies the decision policy to the alert ledger, and pushes the outcome to
// the operator dashboard.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job is the queue envelope for one inference cycle. The upload handler
// publishes one job per accepted frame; a consumer worker picks it up after
// the device has already received its acknowledgment.
type Job struct {
	// ImageID is the stored preprocessed image row the result will reference.
	ImageID string `json:"image_id"`
	// ImagePath is where the preprocessed frame lives on disk.
	ImagePath  string    `json:"image_path"`
	DeviceID   string    `json:"device_id"`
	DeviceCode string    `json:"device_code"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Encode serializes the job for publishing.
func (j *Job) Encode() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return data, nil
}

// DecodeJob parses a queue delivery back into a Job and validates that the
// fields a cycle depends on are present.
func DecodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}

	if job.ImageID == "" {
		return nil, errors.New("job has no image id")
	}
	if job.ImagePath == "" {
		return nil, errors.New("job has no image path")
	}
	if job.DeviceID == "" || job.DeviceCode == "" {
		return nil, errors.New("job has no device")
	}

	return &job, nil
}
