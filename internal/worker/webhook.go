package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/user/cronweb"
)

const webhookUserAgent = "CronWeb/Webhook"

type webhookPayload struct {
	Name      string `json:"name"`
	ShotID    string `json:"shot_id"`
	State     string `json:"state"`
	JobType   string `json:"job_type"`
	Timestamp int64  `json:"timestamp"`
}

// webhookClient POSTs a signed notification after every terminal shot,
// grounded on Hermod's WorkerAPIClient (internal/engine/worker_api_client.go):
// a dedicated *http.Client with a fixed total timeout and a small doRequest
// helper, generalized here to fire-and-forget with swallowed errors.
type webhookClient struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     cronweb.Logger
}

func newWebhookClient(url, secret string, logger cronweb.Logger) *webhookClient {
	return &webhookClient{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// dispatch sends the webhook. Failures are logged and swallowed; they never
// affect job state.
func (c *webhookClient) dispatch(ctx context.Context, name, shotID string, state cronweb.JobState, jobType cronweb.JobType) {
	if c == nil || c.url == "" {
		return
	}

	now := time.Now().UnixMilli()
	body, err := json.Marshal(webhookPayload{
		Name:      name,
		ShotID:    shotID,
		State:     state.String(),
		JobType:   string(jobType),
		Timestamp: now,
	})
	if err != nil {
		c.logger.Warn("webhook: marshal payload failed", "shot_id", shotID, "error", err)
		return
	}

	mac := computeHMAC(body, c.secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("webhook: build request failed", "shot_id", shotID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Cronweb-Token", mac)
	req.Header.Set("X-Cronweb-Timestamp", fmt.Sprintf("%d", now))
	req.Header.Set("User-Agent", webhookUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("webhook: request failed", "shot_id", shotID, "url", c.url, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.Warn("webhook: non-2xx response", "shot_id", shotID, "status", resp.StatusCode)
	}
}

// computeHMAC mirrors the call-site shape of Hermod's crypto.ComputeHMAC
// (internal/api/server.go's inbound signature check), applied here to
// outbound payloads: HMAC-SHA256 over body, base64-encoded.
func computeHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
