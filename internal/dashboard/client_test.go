package dashboard_test

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hanchipham/MosquitoBackend/internal/dashboard"
)

var _ = Describe("Client", func() {
	var (
		client     *dashboard.Client
		httpClient *http.Client
		ctx        context.Context
		logger     *slog.Logger
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		httpClient = &http.Client{}
		httpmock.ActivateNonDefault(httpClient)

		var err error
		client, err = dashboard.NewClient(&dashboard.Config{
			Logger:     logger,
			BaseURL:    "https://dash.example.com",
			Token:      "device-token",
			StatusPin:  "v1",
			CountPin:   "v2",
			HTTPClient: httpClient,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		httpmock.DeactivateAndReset()
	})

	Describe("UpdateAll", func() {
		It("should push status and count to their pins in one batch", func() {
			var got *http.Request
			httpmock.RegisterResponder(http.MethodGet,
				"https://dash.example.com/external/api/batch/update",
				func(req *http.Request) (*http.Response, error) {
					got = req
					return httpmock.NewStringResponse(http.StatusOK, ""), nil
				})

			Expect(client.UpdateAll(ctx, "pond-01", "DANGER", 8)).To(Succeed())

			query := got.URL.Query()
			Expect(query.Get("token")).To(Equal("device-token"))
			Expect(query.Get("v1")).To(Equal("DANGER"))
			Expect(query.Get("v2")).To(Equal("8"))
		})

		It("should surface non-200 responses as errors", func() {
			httpmock.RegisterResponder(http.MethodGet,
				"https://dash.example.com/external/api/batch/update",
				httpmock.NewStringResponder(http.StatusUnauthorized, "invalid token"))

			err := client.UpdateAll(ctx, "pond-01", "SAFE", 0)
			Expect(err).To(MatchError(ContainSubstring("status 401")))
		})
	})

	Describe("UpdateStatus", func() {
		It("should push free-form text to the status pin", func() {
			var got *http.Request
			httpmock.RegisterResponder(http.MethodGet,
				"https://dash.example.com/external/api/update",
				func(req *http.Request) (*http.Response, error) {
					got = req
					return httpmock.NewStringResponse(http.StatusOK, ""), nil
				})

			Expect(client.UpdateStatus(ctx, "pond-01", "INFERENCE ERROR")).To(Succeed())
			Expect(got.URL.Query().Get("v1")).To(Equal("INFERENCE ERROR"))
		})
	})

	Describe("disabled client", func() {
		It("should no-op without a token and hit nothing", func() {
			disabled, err := dashboard.NewClient(&dashboard.Config{
				Logger:     logger,
				HTTPClient: httpClient,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(disabled.Enabled()).To(BeFalse())

			Expect(disabled.UpdateAll(ctx, "pond-01", "SAFE", 0)).To(Succeed())
			Expect(disabled.UpdateStatus(ctx, "pond-01", "text")).To(Succeed())
			Expect(httpmock.GetTotalCallCount()).To(BeZero())
		})
	})
})
