package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hanchipham/MosquitoBackend/internal/alerting"
	"github.com/hanchipham/MosquitoBackend/internal/inference"
	"github.com/hanchipham/MosquitoBackend/internal/policy"
	"github.com/hanchipham/MosquitoBackend/internal/store"
	"github.com/hanchipham/MosquitoBackend/pkg/metrics"
)

// ErrAfterResult marks failures that happened after the cycle's
// InferenceResult row was written. Redelivering such a job would record a
// second result for the same upload, so consumers must not requeue it.
var ErrAfterResult = errors.New("cycle failed after result was recorded")

// dashboardErrorText is pushed to the status pin when a cycle fails.
const dashboardErrorText = "INFERENCE ERROR"

// Provider runs detection on a frame and derives the aggregate counts from
// the raw response. Implemented by inference.Client.
type Provider interface {
	Infer(ctx context.Context, imageData []byte) ([]byte, error)
	ParsePrediction(raw []byte) (*inference.Summary, error)
}

// Notifier pushes cycle outcomes to the operator dashboard. Implemented by
// dashboard.Client. Pushes are best-effort: the orchestrator logs failures
// and never fails a cycle over them.
type Notifier interface {
	UpdateAll(ctx context.Context, deviceCode, status string, larvaCount int) error
	UpdateStatus(ctx context.Context, deviceCode, statusText string) error
}

// OrchestratorConfig holds the configuration for the Orchestrator.
type OrchestratorConfig struct {
	Logger     *slog.Logger
	Store      *store.Store
	Ledger     *alerting.Ledger
	Provider   Provider
	Notifier   Notifier
	Thresholds policy.Thresholds
	// Metrics is optional.
	Metrics *metrics.PipelineMetrics
	// Now returns the current time; defaults to time.Now. Injected so result
	// timestamps follow the configured timezone.
	Now func() time.Time
}

// Orchestrator executes one inference cycle per queued job: detect, record
// the result, grade the count, adjust the alert ledger, notify the dashboard.
// Exactly one InferenceResult row is written per cycle, success or failure,
// which makes the results table an append-only audit of every attempt.
type Orchestrator struct {
	logger     *slog.Logger
	store      *store.Store
	ledger     *alerting.Ledger
	provider   Provider
	notifier   Notifier
	thresholds policy.Thresholds
	metrics    *metrics.PipelineMetrics
	now        func() time.Time
}

// NewOrchestrator creates a new Orchestrator instance.
func NewOrchestrator(cfg *OrchestratorConfig) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("ledger cannot be nil")
	}
	if cfg.Provider == nil {
		return nil, errors.New("provider cannot be nil")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("notifier cannot be nil")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		logger:     cfg.Logger.With("component", "orchestrator"),
		store:      cfg.Store,
		ledger:     cfg.Ledger,
		provider:   cfg.Provider,
		notifier:   cfg.Notifier,
		thresholds: cfg.Thresholds,
		metrics:    cfg.Metrics,
		now:        now,
	}, nil
}

// RunCycle executes the full cycle for one job. Detection and parsing fail as
// a unit: any error there is recorded as a failed InferenceResult plus a
// dashboard error push, and the cycle ends without touching the ledger. On
// success the result row is written first, then the count is graded and the
// ledger adjusted under the device lock, then the dashboard is updated.
//
// A nil return means the cycle is complete, including the recorded-failure
// path. A non-nil return is a storage failure; it is safe to redeliver the
// job unless the error wraps ErrAfterResult.
func (o *Orchestrator) RunCycle(ctx context.Context, job *Job) error {
	start := time.Now()
	if o.metrics != nil {
		defer func() {
			o.metrics.CycleDuration.Observe(time.Since(start).Seconds())
		}()
	}

	raw, summary, inferErr := o.detect(ctx, job)
	if inferErr != nil {
		return o.recordFailure(ctx, job, inferErr)
	}

	result := &store.InferenceResult{
		ImageID:        job.ImageID,
		DeviceID:       job.DeviceID,
		DeviceCode:     job.DeviceCode,
		RawPrediction:  string(raw),
		TotalObjects:   summary.TotalObjects,
		TotalLarvae:    summary.TotalLarvae,
		TotalOther:     summary.TotalOther,
		AvgConfidence:  summary.AvgConfidence,
		ParsingVersion: inference.ParsingVersion,
		Status:         store.ResultStatusSuccess,
		InferenceAt:    o.now(),
	}
	if err := o.store.CreateInferenceResult(ctx, result); err != nil {
		o.countCycle("storage_error")
		return fmt.Errorf("failed to record inference result: %w", err)
	}

	status, action := o.thresholds.Decide(summary.TotalLarvae)

	if err := o.adjustLedger(ctx, job, summary.TotalLarvae); err != nil {
		o.countCycle("storage_error")
		return fmt.Errorf("%w: %w", ErrAfterResult, err)
	}

	o.notifyOutcome(ctx, job.DeviceCode, string(status), summary.TotalLarvae)

	o.countCycle("success")
	if o.metrics != nil {
		o.metrics.LarvaeDetected.Observe(float64(summary.TotalLarvae))
	}

	o.logger.Info("inference cycle completed",
		"device_code", job.DeviceCode,
		"image_id", job.ImageID,
		"status", status,
		"action", action,
		"total_larvae", summary.TotalLarvae,
		"total_objects", summary.TotalObjects,
	)
	return nil
}

// detect runs steps one and two of the cycle as a unit: read the frame,
// submit it, parse the response.
func (o *Orchestrator) detect(ctx context.Context, job *Job) ([]byte, *inference.Summary, error) {
	frame, err := os.ReadFile(job.ImagePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read frame: %w", err)
	}

	inferStart := time.Now()
	raw, err := o.provider.Infer(ctx, frame)
	if o.metrics != nil {
		o.metrics.InferenceDuration.Observe(time.Since(inferStart).Seconds())
	}
	if err != nil {
		return nil, nil, err
	}

	summary, err := o.provider.ParsePrediction(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, summary, nil
}

// recordFailure writes the failed InferenceResult and pushes the error state
// to the dashboard. The cycle counts as complete once the row exists; only a
// failure to write it propagates, so the job can be redelivered.
func (o *Orchestrator) recordFailure(ctx context.Context, job *Job, inferErr error) error {
	o.logger.Error("inference failed",
		"device_code", job.DeviceCode,
		"image_id", job.ImageID,
		"error", inferErr,
	)

	result := &store.InferenceResult{
		ImageID:      job.ImageID,
		DeviceID:     job.DeviceID,
		DeviceCode:   job.DeviceCode,
		Status:       store.ResultStatusFailed,
		ErrorMessage: inferErr.Error(),
		InferenceAt:  o.now(),
	}
	if err := o.store.CreateInferenceResult(ctx, result); err != nil {
		o.countCycle("storage_error")
		return fmt.Errorf("failed to record inference failure: %w", err)
	}

	if err := o.notifier.UpdateStatus(ctx, job.DeviceCode, dashboardErrorText); err != nil {
		o.logger.Warn("dashboard error push failed",
			"device_code", job.DeviceCode,
			"error", err,
		)
		if o.metrics != nil {
			o.metrics.DashboardFailures.Inc()
		}
	}

	o.countCycle("inference_failed")
	return nil
}

// adjustLedger applies alert creation and resolution for the cycle's count.
// Both are evaluated every cycle: creation when the count grades DANGER and
// no alert is open, resolution when it grades SAFE. The device lock covers
// the whole sequence so concurrent cycles cannot both pass the open-alert
// check.
func (o *Orchestrator) adjustLedger(ctx context.Context, job *Job, larvaCount int) error {
	unlock := o.ledger.LockDevice(job.DeviceCode)
	defer unlock()

	create, err := o.ledger.ShouldCreateAlert(ctx, job.DeviceCode, larvaCount)
	if err != nil {
		return err
	}
	if create {
		if _, err := o.ledger.CreateAlert(ctx, job.DeviceID, job.DeviceCode, larvaCount); err != nil {
			return err
		}
		if o.metrics != nil {
			o.metrics.AlertsCreated.Inc()
		}
	}

	resolved, err := o.ledger.ResolveIfSafe(ctx, job.DeviceCode, larvaCount)
	if err != nil {
		return err
	}
	if o.metrics != nil && resolved > 0 {
		o.metrics.AlertsResolved.Add(float64(resolved))
	}
	return nil
}

// notifyOutcome pushes the graded outcome to the dashboard, best-effort.
func (o *Orchestrator) notifyOutcome(ctx context.Context, deviceCode, status string, larvaCount int) {
	if err := o.notifier.UpdateAll(ctx, deviceCode, status, larvaCount); err != nil {
		o.logger.Warn("dashboard push failed",
			"device_code", deviceCode,
			"error", err,
		)
		if o.metrics != nil {
			o.metrics.DashboardFailures.Inc()
		}
	}
}

func (o *Orchestrator) countCycle(status string) {
	if o.metrics != nil {
		o.metrics.CyclesTotal.WithLabelValues(status).Inc()
	}
}
