package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"backgrounder-go/internal/sample"
)

// getBaseURL returns the base URL for API calls.
// Uses BACKGROUNDER_BASE_URL env var if set (for container tests),
// otherwise defaults to localhost:8080.
func getBaseURL() string {
	if url := os.Getenv("BACKGROUNDER_BASE_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

// httpClient creates an HTTP client with sensible defaults.
func httpClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
	}
}

// doRequest performs an HTTP request and returns the response.
func doRequest(method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, getBaseURL()+path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return httpClient().Do(req)
}

// parseResponse parses JSON response into target.
func parseResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// metricValue returns the sum of all samples of a metric family.
func metricValue(name string) float64 {
	resp, err := doRequest("GET", "/metrics", nil)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())

	var total float64
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, name) {
			continue
		}
		fields := strings.Fields(line)
		var v float64
		if _, err := fmt.Sscanf(fields[len(fields)-1], "%g", &v); err == nil {
			total += v
		}
	}
	return total
}

var _ = Describe("HTTP Integration Tests", Ordered, func() {
	BeforeAll(func() {
		// Check if the server is reachable
		resp, err := doRequest("GET", "/healthz", nil)
		if err != nil {
			Skip(fmt.Sprintf("Server not reachable at %s: %v", getBaseURL(), err))
		}
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	Describe("Health Check", func() {
		It("should return healthy status", func() {
			resp, err := doRequest("GET", "/healthz", nil)
			Expect(err).NotTo(HaveOccurred())

			var result map[string]interface{}
			Expect(parseResponse(resp, &result)).To(Succeed())
			Expect(result["success"]).To(BeTrue())
		})
	})

	Describe("Operations API", func() {
		It("should list the registered sample operations", func() {
			resp, err := doRequest("GET", "/v1/operations", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result struct {
				Data struct {
					Operations []string `json:"operations"`
				} `json:"data"`
			}
			Expect(parseResponse(resp, &result)).To(Succeed())
			Expect(result.Data.Operations).To(ContainElements(
				sample.SigDoWork,
				sample.SigCompleteWork,
				sample.SigRunSchedule,
			))
		})

		It("should reject an unknown signature", func() {
			resp, err := doRequest("POST", "/v1/operations/enqueue", map[string]interface{}{
				"signature": "example.Missing.Run()",
			})
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should accept and complete an operation", func() {
			completedBefore := metricValue(`backgrounder_deliveries_total{result="completed"}`)

			resp, err := doRequest("POST", "/v1/operations/enqueue", map[string]interface{}{
				"signature":  sample.SigCompleteWork,
				"parameters": map[string]interface{}{"jobId": 42},
			})
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			Eventually(func() float64 {
				return metricValue(`backgrounder_deliveries_total{result="completed"}`)
			}, 10*time.Second, 100*time.Millisecond).Should(BeNumerically(">", completedBefore))
		})
	})

	Describe("Stats API", func() {
		It("should report the retry policy", func() {
			resp, err := doRequest("GET", "/v1/stats", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result struct {
				Data struct {
					Queue string `json:"queue"`
					Retry struct {
						Kind string `json:"kind"`
					} `json:"retry"`
				} `json:"data"`
			}
			Expect(parseResponse(resp, &result)).To(Succeed())
			Expect(result.Data.Queue).NotTo(BeEmpty())
			Expect(result.Data.Retry.Kind).To(BeElementOf("constant", "linear", "exponential"))
		})

		It("should drain to idle", func() {
			Eventually(func() bool {
				resp, err := doRequest("GET", "/v1/stats", nil)
				if err != nil {
					return false
				}
				var result struct {
					Data struct {
						Busy bool `json:"busy"`
					} `json:"data"`
				}
				if parseResponse(resp, &result) != nil {
					return false
				}
				return !result.Data.Busy
			}, 10*time.Second, 100*time.Millisecond).Should(BeTrue())
		})
	})
})
