package backend

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hanchipham/MosquitoBackend/internal/store"
)

var _ = Describe("Backend Database Relationships E2E", func() {
	ctx := context.Background()

	// deviceOf looks up the full device row behind a provisioned code.
	deviceOf := func(deviceCode string) *store.Device {
		device, err := assertDB.DeviceByCode(ctx, deviceCode)
		Expect(err).NotTo(HaveOccurred())
		return device
	}

	// seedResult writes one audit row directly, bypassing the pipeline.
	seedResult := func(device *store.Device, larvae int, status store.ResultStatus, at time.Time) {
		Expect(assertDB.CreateInferenceResult(ctx, &store.InferenceResult{
			DeviceID:       device.ID,
			DeviceCode:     device.DeviceCode,
			TotalObjects:   larvae,
			TotalLarvae:    larvae,
			ParsingVersion: "1.0",
			Status:         status,
			InferenceAt:    at,
		})).To(Succeed())
	}

	Context("Device and InferenceResult Relationship", func() {
		It("should maintain one-to-many relationship (device has many inference results)", func() {
			deviceCode, _ := provisionDevice("db-results")
			device := deviceOf(deviceCode)
			Expect(device.ID).To(HaveLen(36))

			base := time.Now().Add(-time.Hour).UTC()
			numResults := 10
			for i := 0; i < numResults; i++ {
				seedResult(device, i, store.ResultStatusSuccess, base.Add(time.Duration(i)*time.Minute))
			}
			// A trailing failure must not shadow the successful history.
			seedResult(device, 0, store.ResultStatusFailed, base.Add(time.Hour))

			testLogger.Info("seeded inference results", "device_code", deviceCode, "count", numResults+1)

			count, err := assertDB.CountResults(ctx, deviceCode)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(BeNumerically("==", numResults+1))

			latest, err := assertDB.LatestSuccessfulResult(ctx, deviceCode)
			Expect(err).NotTo(HaveOccurred())
			Expect(latest.Status).To(Equal(store.ResultStatusSuccess))
			Expect(latest.TotalLarvae).To(Equal(numResults - 1))
			Expect(latest.DeviceID).To(Equal(device.ID))

			var rows []store.InferenceResult
			Expect(assertDB.DB().Where("device_code = ?", deviceCode).Find(&rows).Error).To(Succeed())
			for _, row := range rows {
				Expect(row.DeviceID).To(Equal(device.ID))
			}

			testLogger.Info("verified one-to-many relationship: device has many inference results")
		})

		It("should keep inference results for multiple devices independent", func() {
			resultCounts := map[string]int{}
			for i, count := range []int{5, 8, 3} {
				deviceCode, _ := provisionDevice(fmt.Sprintf("db-multi-%d", i))
				device := deviceOf(deviceCode)

				base := time.Now().Add(-time.Hour).UTC()
				for j := 0; j < count; j++ {
					seedResult(device, count, store.ResultStatusSuccess, base.Add(time.Duration(j)*time.Minute))
				}
				resultCounts[deviceCode] = count
			}

			for deviceCode, expected := range resultCounts {
				count, err := assertDB.CountResults(ctx, deviceCode)
				Expect(err).NotTo(HaveOccurred())
				Expect(count).To(BeNumerically("==", expected))

				latest, err := assertDB.LatestSuccessfulResult(ctx, deviceCode)
				Expect(err).NotTo(HaveOccurred())
				Expect(latest.DeviceCode).To(Equal(deviceCode))
				Expect(latest.TotalLarvae).To(Equal(expected))

				testLogger.Info("verified results for device", "device_code", deviceCode, "count", count)
			}
		})
	})

	Context("Device and Alert Relationship", func() {
		It("should keep at most one open alert per device across episodes", func() {
			deviceCode, _ := provisionDevice("db-alerts")
			device := deviceOf(deviceCode)

			// First episode opens and resolves.
			Expect(assertDB.CreateAlert(ctx, &store.Alert{
				DeviceID:   device.ID,
				DeviceCode: deviceCode,
				LarvaCount: 12,
			})).To(Succeed())

			resolved, err := assertDB.ResolveOpenAlerts(ctx, deviceCode, time.Now().UTC())
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved).To(BeNumerically("==", 1))

			// Second episode opens.
			Expect(assertDB.CreateAlert(ctx, &store.Alert{
				DeviceID:   device.ID,
				DeviceCode: deviceCode,
				LarvaCount: 20,
			})).To(Succeed())

			open, err := assertDB.CountOpenAlerts(ctx, deviceCode)
			Expect(err).NotTo(HaveOccurred())
			Expect(open).To(BeNumerically("==", 1))

			current, err := assertDB.OpenAlert(ctx, deviceCode)
			Expect(err).NotTo(HaveOccurred())
			Expect(current.LarvaCount).To(Equal(20))

			// Resolution keeps history: both episode rows survive.
			var alerts []store.Alert
			Expect(assertDB.DB().Where("device_code = ?", deviceCode).Order("created_at").Find(&alerts).Error).To(Succeed())
			Expect(alerts).To(HaveLen(2))
			Expect(alerts[0].Resolved).To(BeTrue())
			Expect(alerts[0].ResolvedAt).NotTo(BeNil())
			Expect(alerts[1].Resolved).To(BeFalse())
			Expect(alerts[1].ResolvedAt).To(BeNil())

			testLogger.Info("verified alert episode history", "device_code", deviceCode)
		})

		It("should report zero resolved rows when nothing is open", func() {
			deviceCode, _ := provisionDevice("db-no-alerts")

			resolved, err := assertDB.ResolveOpenAlerts(ctx, deviceCode, time.Now().UTC())
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved).To(BeZero())

			_, err = assertDB.OpenAlert(ctx, deviceCode)
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Context("Device and Control Relationship", func() {
		It("should keep a single mailbox row per device through rewrites", func() {
			deviceCode, _ := provisionDevice("db-control")
			device := deviceOf(deviceCode)

			_, err := assertDB.ControlByCode(ctx, deviceCode)
			Expect(err).To(MatchError(store.ErrNotFound))

			ctrl := &store.DeviceControl{
				DeviceID:       device.ID,
				DeviceCode:     deviceCode,
				ControlCommand: store.ControlActivateServo,
				Status:         store.ControlStatusPending,
			}
			Expect(assertDB.SaveControl(ctx, ctrl)).To(Succeed())
			Expect(ctrl.ID).To(HaveLen(36))

			// Rewriting the same row must not create a second one.
			ctrl.ControlCommand = store.ControlStopServo
			ctrl.Status = store.ControlStatusExecuted
			Expect(assertDB.SaveControl(ctx, ctrl)).To(Succeed())

			var rowCount int64
			Expect(assertDB.DB().Model(&store.DeviceControl{}).
				Where("device_code = ?", deviceCode).
				Count(&rowCount).Error).To(Succeed())
			Expect(rowCount).To(BeNumerically("==", 1))

			found, err := assertDB.ControlByCode(ctx, deviceCode)
			Expect(err).NotTo(HaveOccurred())
			Expect(found.ID).To(Equal(ctrl.ID))
			Expect(found.ControlCommand).To(Equal(store.ControlStopServo))
			Expect(found.Status).To(Equal(store.ControlStatusExecuted))

			existed, err := assertDB.DeleteControl(ctx, deviceCode)
			Expect(err).NotTo(HaveOccurred())
			Expect(existed).To(BeTrue())

			existed, err = assertDB.DeleteControl(ctx, deviceCode)
			Expect(err).NotTo(HaveOccurred())
			Expect(existed).To(BeFalse())

			testLogger.Info("verified control mailbox row lifecycle", "device_code", deviceCode)
		})
	})

	It("should preserve device data integrity when dependent rows are added", func() {
		deviceCode, _ := provisionDevice("db-integrity")
		original := deviceOf(deviceCode)

		device := deviceOf(deviceCode)
		seedResult(device, 4, store.ResultStatusSuccess, time.Now().UTC())
		Expect(assertDB.CreateAlert(ctx, &store.Alert{
			DeviceID:   device.ID,
			DeviceCode: deviceCode,
			LarvaCount: 4,
		})).To(Succeed())
		Expect(assertDB.SaveControl(ctx, &store.DeviceControl{
			DeviceID:       device.ID,
			DeviceCode:     deviceCode,
			ControlCommand: store.ControlStopServo,
			Status:         store.ControlStatusPending,
		})).To(Succeed())

		reread := deviceOf(deviceCode)
		Expect(reread.ID).To(Equal(original.ID))
		Expect(reread.Location).To(Equal(original.Location))
		Expect(reread.Description).To(Equal(original.Description))
		Expect(reread.IsActive).To(Equal(original.IsActive))

		testLogger.Info("verified device data integrity preserved after adding dependent rows")
	})
})
