package alerting_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hanchipham/MosquitoBackend/internal/alerting"
	"github.com/hanchipham/MosquitoBackend/internal/policy"
	"github.com/hanchipham/MosquitoBackend/internal/store"
	"github.com/hanchipham/MosquitoBackend/internal/store/storetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

var _ = Describe("Ledger", func() {
	var (
		s      *store.Store
		ledger *alerting.Ledger
		ctx    context.Context
		device *store.Device
		frozen time.Time
	)

	BeforeEach(func() {
		var err error
		s, err = storetest.Open()
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
		frozen = time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)

		ledger, err = alerting.NewLedger(&alerting.Config{
			Store:      s,
			Logger:     testLogger(),
			Thresholds: policy.DefaultThresholds(),
			Now:        func() time.Time { return frozen },
		})
		Expect(err).NotTo(HaveOccurred())

		device = &store.Device{DeviceCode: "pond-01", IsActive: true}
		Expect(s.CreateDevice(ctx, device)).To(Succeed())
	})

	Describe("NewLedger", func() {
		It("should reject nil config", func() {
			_, err := alerting.NewLedger(nil)
			Expect(err).To(HaveOccurred())
		})

		It("should reject a missing store", func() {
			_, err := alerting.NewLedger(&alerting.Config{
				Logger: testLogger(),
			})
			Expect(err).To(MatchError(ContainSubstring("store")))
		})

		It("should reject invalid thresholds", func() {
			_, err := alerting.NewLedger(&alerting.Config{
				Store:      s,
				Logger:     testLogger(),
				Thresholds: policy.Thresholds{Warning: 9, Danger: 2},
			})
			Expect(err).To(MatchError(ContainSubstring("thresholds")))
		})
	})

	Describe("ShouldCreateAlert", func() {
		It("should be true for a danger count with no open alert", func() {
			should, err := ledger.ShouldCreateAlert(ctx, "pond-01", 8)
			Expect(err).NotTo(HaveOccurred())
			Expect(should).To(BeTrue())
		})

		It("should be false below the danger boundary", func() {
			should, err := ledger.ShouldCreateAlert(ctx, "pond-01", 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(should).To(BeFalse())

			should, err = ledger.ShouldCreateAlert(ctx, "pond-01", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(should).To(BeFalse())
		})

		It("should be false while an alert is already open", func() {
			_, err := ledger.CreateAlert(ctx, device.ID, "pond-01", 8)
			Expect(err).NotTo(HaveOccurred())

			should, err := ledger.ShouldCreateAlert(ctx, "pond-01", 9)
			Expect(err).NotTo(HaveOccurred())
			Expect(should).To(BeFalse())
		})
	})

	Describe("CreateAlert", func() {
		It("should insert an open alert carrying the trigger count", func() {
			alert, err := ledger.CreateAlert(ctx, device.ID, "pond-01", 11)
			Expect(err).NotTo(HaveOccurred())
			Expect(alert.ID).To(HaveLen(36))
			Expect(alert.Resolved).To(BeFalse())

			open, err := s.OpenAlert(ctx, "pond-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(open.LarvaCount).To(Equal(11))
		})
	})

	Describe("ResolveIfSafe", func() {
		BeforeEach(func() {
			_, err := ledger.CreateAlert(ctx, device.ID, "pond-01", 8)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should resolve the open alert on a safe count", func() {
			resolved, err := ledger.ResolveIfSafe(ctx, "pond-01", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved).To(Equal(int64(1)))

			_, err = s.OpenAlert(ctx, "pond-01")
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should stamp the resolution time from the clock", func() {
			_, err := ledger.ResolveIfSafe(ctx, "pond-01", 1)
			Expect(err).NotTo(HaveOccurred())

			var alert store.Alert
			Expect(s.DB().Where("device_code = ?", "pond-01").First(&alert).Error).To(Succeed())
			Expect(alert.ResolvedAt).NotTo(BeNil())
			Expect(alert.ResolvedAt.Unix()).To(Equal(frozen.Unix()))
		})

		It("should keep the alert open on warning and danger counts", func() {
			for _, count := range []int{4, 9} {
				resolved, err := ledger.ResolveIfSafe(ctx, "pond-01", count)
				Expect(err).NotTo(HaveOccurred())
				Expect(resolved).To(BeZero())
			}

			_, err := s.OpenAlert(ctx, "pond-01")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should be idempotent once nothing is open", func() {
			_, err := ledger.ResolveIfSafe(ctx, "pond-01", 0)
			Expect(err).NotTo(HaveOccurred())

			resolved, err := ledger.ResolveIfSafe(ctx, "pond-01", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved).To(BeZero())
		})
	})

	Describe("concurrent cycles", func() {
		It("should never open a second alert for the same device", func() {
			const cycles = 16

			var wg sync.WaitGroup
			errs := make(chan error, cycles)
			for i := 0; i < cycles; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()

					unlock := ledger.LockDevice("pond-01")
					defer unlock()

					should, err := ledger.ShouldCreateAlert(ctx, "pond-01", 9)
					if err != nil {
						errs <- err
						return
					}
					if should {
						if _, err := ledger.CreateAlert(ctx, device.ID, "pond-01", 9); err != nil {
							errs <- err
						}
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}

			open, err := s.CountOpenAlerts(ctx, "pond-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(open).To(Equal(int64(1)))
		})

		It("should serialize independent devices independently", func() {
			other := &store.Device{DeviceCode: "pond-02", IsActive: true}
			Expect(s.CreateDevice(ctx, other)).To(Succeed())

			unlockA := ledger.LockDevice("pond-01")
			// Locking a different device must not block.
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				unlockB := ledger.LockDevice("pond-02")
				unlockB()
				close(done)
			}()
			Eventually(done).Should(BeClosed())
			unlockA()
		})
	})
})
