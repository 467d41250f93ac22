package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hanchipham/MosquitoBackend/internal/alerting"
	"github.com/hanchipham/MosquitoBackend/internal/inference"
	"github.com/hanchipham/MosquitoBackend/internal/pipeline"
	"github.com/hanchipham/MosquitoBackend/internal/policy"
	"github.com/hanchipham/MosquitoBackend/internal/store"
	"github.com/hanchipham/MosquitoBackend/internal/store/storetest"
)

// fakeProvider returns canned detection responses.
type fakeProvider struct {
	raw      []byte
	summary  *inference.Summary
	inferErr error
	parseErr error
}

func (f *fakeProvider) Infer(_ context.Context, _ []byte) ([]byte, error) {
	if f.inferErr != nil {
		return nil, f.inferErr
	}
	return f.raw, nil
}

func (f *fakeProvider) ParsePrediction(raw []byte) (*inference.Summary, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	if f.summary != nil {
		return f.summary, nil
	}
	return inference.ParsePrediction(raw, "jentik")
}

type dashboardUpdate struct {
	deviceCode string
	status     string
	larvaCount int
}

// fakeNotifier records dashboard pushes.
type fakeNotifier struct {
	mu           sync.Mutex
	updates      []dashboardUpdate
	statusTexts  []string
	updateAllErr error
	statusErr    error
}

func (f *fakeNotifier) UpdateAll(_ context.Context, deviceCode, status string, larvaCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateAllErr != nil {
		return f.updateAllErr
	}
	f.updates = append(f.updates, dashboardUpdate{deviceCode, status, larvaCount})
	return nil
}

func (f *fakeNotifier) UpdateStatus(_ context.Context, _ string, statusText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statusTexts = append(f.statusTexts, statusText)
	return nil
}

func (f *fakeNotifier) allUpdates() []dashboardUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dashboardUpdate(nil), f.updates...)
}

func (f *fakeNotifier) allStatusTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statusTexts...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// writeFrame drops a placeholder frame on disk and returns its path.
func writeFrame() string {
	path := filepath.Join(GinkgoT().TempDir(), "frame.jpg")
	Expect(os.WriteFile(path, []byte("jpeg-bytes"), 0o644)).To(Succeed())
	return path
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		st       *store.Store
		ledger   *alerting.Ledger
		provider *fakeProvider
		notifier *fakeNotifier
		device   *store.Device
		job      *pipeline.Job
		now      time.Time
	)

	const rawPrediction = `{"predictions":[{"class":"jentik","confidence":0.9}]}`

	newOrchestrator := func() *pipeline.Orchestrator {
		orch, err := pipeline.NewOrchestrator(&pipeline.OrchestratorConfig{
			Logger:     testLogger(),
			Store:      st,
			Ledger:     ledger,
			Provider:   provider,
			Notifier:   notifier,
			Thresholds: policy.DefaultThresholds(),
			Now:        func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())
		return orch
	}

	resultsFor := func(code string) []store.InferenceResult {
		var results []store.InferenceResult
		err := st.DB().Where("device_code = ?", code).Order("inference_at").Find(&results).Error
		Expect(err).NotTo(HaveOccurred())
		return results
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

		var err error
		st, err = storetest.Open()
		Expect(err).NotTo(HaveOccurred())

		ledger, err = alerting.NewLedger(&alerting.Config{
			Store:      st,
			Logger:     testLogger(),
			Thresholds: policy.DefaultThresholds(),
			Now:        func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())

		provider = &fakeProvider{raw: []byte(rawPrediction)}
		notifier = &fakeNotifier{}

		device = &store.Device{
			DeviceCode: "field-7",
			Location:   "north pond",
			IsActive:   true,
		}
		Expect(st.CreateDevice(ctx, device)).To(Succeed())

		job = &pipeline.Job{
			ImageID:    "11111111-1111-1111-1111-111111111111",
			ImagePath:  writeFrame(),
			DeviceID:   device.ID,
			DeviceCode: device.DeviceCode,
			EnqueuedAt: now,
		}
	})

	Describe("NewOrchestrator", func() {
		It("should return error for nil config", func() {
			orch, err := pipeline.NewOrchestrator(nil)
			Expect(err).To(HaveOccurred())
			Expect(orch).To(BeNil())
		})

		It("should return error for missing collaborators", func() {
			_, err := pipeline.NewOrchestrator(&pipeline.OrchestratorConfig{
				Logger: testLogger(),
				Store:  st,
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("ledger cannot be nil"))
		})

		It("should return error for invalid thresholds", func() {
			_, err := pipeline.NewOrchestrator(&pipeline.OrchestratorConfig{
				Logger:     testLogger(),
				Store:      st,
				Ledger:     ledger,
				Provider:   provider,
				Notifier:   notifier,
				Thresholds: policy.Thresholds{Warning: 9, Danger: 2},
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("invalid thresholds"))
		})
	})

	Describe("RunCycle", func() {
		Context("with a safe count", func() {
			It("should record a success result with the derived counts", func() {
				orch := newOrchestrator()

				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				results := resultsFor(device.DeviceCode)
				Expect(results).To(HaveLen(1))
				Expect(results[0].Status).To(Equal(store.ResultStatusSuccess))
				Expect(results[0].ImageID).To(Equal(job.ImageID))
				Expect(results[0].TotalObjects).To(Equal(1))
				Expect(results[0].TotalLarvae).To(Equal(1))
				Expect(results[0].TotalOther).To(Equal(0))
				Expect(results[0].AvgConfidence).To(BeNumerically("~", 0.9, 1e-9))
				Expect(results[0].RawPrediction).To(Equal(rawPrediction))
				Expect(results[0].ParsingVersion).To(Equal("1.0"))
				Expect(results[0].InferenceAt.Unix()).To(Equal(now.Unix()))
			})

			It("should not open an alert and should push SAFE to the dashboard", func() {
				orch := newOrchestrator()

				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				count, err := st.CountOpenAlerts(ctx, device.DeviceCode)
				Expect(err).NotTo(HaveOccurred())
				Expect(count).To(BeZero())

				updates := notifier.allUpdates()
				Expect(updates).To(HaveLen(1))
				Expect(updates[0].deviceCode).To(Equal(device.DeviceCode))
				Expect(updates[0].status).To(Equal("SAFE"))
				Expect(updates[0].larvaCount).To(Equal(1))
			})
		})

		Context("with a danger count", func() {
			BeforeEach(func() {
				provider.summary = &inference.Summary{
					TotalObjects:  8,
					TotalLarvae:   8,
					AvgConfidence: 0.85,
				}
			})

			It("should open an alert", func() {
				orch := newOrchestrator()

				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				alert, err := st.OpenAlert(ctx, device.DeviceCode)
				Expect(err).NotTo(HaveOccurred())
				Expect(alert.LarvaCount).To(Equal(8))

				updates := notifier.allUpdates()
				Expect(updates).To(HaveLen(1))
				Expect(updates[0].status).To(Equal("DANGER"))
				Expect(updates[0].larvaCount).To(Equal(8))
			})

			It("should not open a second alert while one is open", func() {
				orch := newOrchestrator()

				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				provider.summary.TotalLarvae = 9
				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				count, err := st.CountOpenAlerts(ctx, device.DeviceCode)
				Expect(err).NotTo(HaveOccurred())
				Expect(count).To(Equal(int64(1)))

				results := resultsFor(device.DeviceCode)
				Expect(results).To(HaveLen(2))
			})

			It("should leave the alert open across a warning cycle", func() {
				orch := newOrchestrator()

				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				provider.summary = &inference.Summary{TotalObjects: 4, TotalLarvae: 4}
				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				count, err := st.CountOpenAlerts(ctx, device.DeviceCode)
				Expect(err).NotTo(HaveOccurred())
				Expect(count).To(Equal(int64(1)))
			})

			It("should resolve the alert once a safe cycle follows", func() {
				orch := newOrchestrator()

				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				provider.summary = &inference.Summary{TotalObjects: 0, TotalLarvae: 0}
				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				count, err := st.CountOpenAlerts(ctx, device.DeviceCode)
				Expect(err).NotTo(HaveOccurred())
				Expect(count).To(BeZero())

				_, err = st.OpenAlert(ctx, device.DeviceCode)
				Expect(err).To(MatchError(store.ErrNotFound))
			})
		})

		Context("when inference fails", func() {
			BeforeEach(func() {
				provider.inferErr = errors.New("provider returned status 502")
			})

			It("should record a failed result with the error text", func() {
				orch := newOrchestrator()

				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				results := resultsFor(device.DeviceCode)
				Expect(results).To(HaveLen(1))
				Expect(results[0].Status).To(Equal(store.ResultStatusFailed))
				Expect(results[0].ErrorMessage).To(ContainSubstring("502"))
				Expect(results[0].TotalLarvae).To(BeZero())
			})

			It("should push the error state to the dashboard and skip the ledger", func() {
				orch := newOrchestrator()

				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				Expect(notifier.allStatusTexts()).To(Equal([]string{"INFERENCE ERROR"}))
				Expect(notifier.allUpdates()).To(BeEmpty())

				count, err := st.CountOpenAlerts(ctx, device.DeviceCode)
				Expect(err).NotTo(HaveOccurred())
				Expect(count).To(BeZero())
			})
		})

		Context("when parsing fails", func() {
			BeforeEach(func() {
				provider.parseErr = errors.New("failed to parse prediction")
			})

			It("should record a failed result", func() {
				orch := newOrchestrator()

				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				results := resultsFor(device.DeviceCode)
				Expect(results).To(HaveLen(1))
				Expect(results[0].Status).To(Equal(store.ResultStatusFailed))
				Expect(results[0].ErrorMessage).To(ContainSubstring("parse"))
			})
		})

		Context("when the frame is missing from disk", func() {
			It("should record a failed result", func() {
				orch := newOrchestrator()
				job.ImagePath = filepath.Join(GinkgoT().TempDir(), "gone.jpg")

				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				results := resultsFor(device.DeviceCode)
				Expect(results).To(HaveLen(1))
				Expect(results[0].Status).To(Equal(store.ResultStatusFailed))
			})
		})

		Context("when the dashboard push fails", func() {
			It("should still complete the cycle", func() {
				notifier.updateAllErr = errors.New("dashboard returned status 401")
				orch := newOrchestrator()

				Expect(orch.RunCycle(ctx, job)).To(Succeed())

				results := resultsFor(device.DeviceCode)
				Expect(results).To(HaveLen(1))
				Expect(results[0].Status).To(Equal(store.ResultStatusSuccess))
			})
		})

		Context("when the ledger fails after the result was recorded", func() {
			BeforeEach(func() {
				provider.summary = &inference.Summary{TotalObjects: 8, TotalLarvae: 8}
				Expect(st.DB().Migrator().DropTable(&store.Alert{})).To(Succeed())
			})

			It("should return an error wrapping ErrAfterResult", func() {
				orch := newOrchestrator()

				err := orch.RunCycle(ctx, job)
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, pipeline.ErrAfterResult)).To(BeTrue())

				// The audit row from this cycle must survive.
				results := resultsFor(device.DeviceCode)
				Expect(results).To(HaveLen(1))
				Expect(results[0].Status).To(Equal(store.ResultStatusSuccess))
			})
		})

		It("should write exactly one result row per cycle across mixed outcomes", func() {
			orch := newOrchestrator()

			Expect(orch.RunCycle(ctx, job)).To(Succeed())

			provider.inferErr = errors.New("timeout")
			Expect(orch.RunCycle(ctx, job)).To(Succeed())

			provider.inferErr = nil
			Expect(orch.RunCycle(ctx, job)).To(Succeed())

			count, err := st.CountResults(ctx, device.DeviceCode)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(int64(3)))
		})
	})
})
