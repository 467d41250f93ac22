package simulator_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hanchipham/MosquitoBackend/internal/simulator"
)

var _ = Describe("Server", func() {
	validConfig := func() *simulator.ServerConfig {
		return &simulator.ServerConfig{
			Logger:     testLogger(),
			APIURL:     "http://localhost:8000",
			DeviceCode: "sim-01",
			Password:   "field-trial",
			Interval:   time.Second,
		}
	}

	Describe("NewServer", func() {
		It("creates a server with valid configuration", func() {
			server, err := simulator.NewServer(validConfig())
			Expect(err).NotTo(HaveOccurred())
			Expect(server).NotTo(BeNil())
		})

		It("rejects a nil configuration", func() {
			_, err := simulator.NewServer(nil)
			Expect(err).To(MatchError(ContainSubstring("config")))
		})

		It("rejects a missing logger", func() {
			cfg := validConfig()
			cfg.Logger = nil
			_, err := simulator.NewServer(cfg)
			Expect(err).To(MatchError(ContainSubstring("logger")))
		})

		It("rejects a non-positive interval", func() {
			cfg := validConfig()
			cfg.Interval = 0
			_, err := simulator.NewServer(cfg)
			Expect(err).To(MatchError(ContainSubstring("interval")))
		})

		It("propagates device validation errors", func() {
			cfg := validConfig()
			cfg.DeviceCode = ""
			_, err := simulator.NewServer(cfg)
			Expect(err).To(MatchError(ContainSubstring("device code")))
		})
	})

	Describe("Run", func() {
		// newBackend serves just enough of the device API to keep cycles
		// succeeding and counts the frames it receives.
		newBackend := func() (*httptest.Server, *atomic.Int64) {
			var uploads atomic.Int64
			mux := http.NewServeMux()
			mux.HandleFunc("/api/upload", func(w http.ResponseWriter, _ *http.Request) {
				uploads.Add(1)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"success":true,"message":"ok","action":"SLEEP","status":"PROCESSING"}`))
			})
			mux.HandleFunc("/api/device/sim-01/control", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"mode":"AUTO","action":"STOP_SERVO","status":"AUTO","message":"Automatic control based on inference"}`))
			})
			return httptest.NewServer(mux), &uploads
		}

		It("stops on its own once the cycle budget is exhausted", func() {
			backend, uploads := newBackend()
			defer backend.Close()

			cfg := validConfig()
			cfg.APIURL = backend.URL
			cfg.Interval = 20 * time.Millisecond
			cfg.Count = 3
			cfg.FrameWidth = 32
			cfg.FrameHeight = 32

			server, err := simulator.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() {
				done <- server.Run(context.Background())
			}()

			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
			Expect(uploads.Load()).To(Equal(int64(3)))
		})

		It("shuts down when the context is canceled", func() {
			cfg := validConfig()
			cfg.APIURL = "http://127.0.0.1:1" // Unreachable, cycles fail but keep running
			cfg.Interval = 50 * time.Millisecond

			server, err := simulator.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- server.Run(ctx)
			}()

			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		})

		It("shuts down immediately with a pre-canceled context", func() {
			server, err := simulator.NewServer(validConfig())
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			done := make(chan error, 1)
			go func() {
				done <- server.Run(ctx)
			}()

			Eventually(done, time.Second).Should(Receive(BeNil()))
		})

		It("exhausts the budget even when every cycle fails", func() {
			cfg := validConfig()
			cfg.APIURL = "http://127.0.0.1:1"
			cfg.Interval = 20 * time.Millisecond
			cfg.Count = 2

			server, err := simulator.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() {
				done <- server.Run(context.Background())
			}()

			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})
	})
})
