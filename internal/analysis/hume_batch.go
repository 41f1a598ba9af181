package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultHumeBaseURL   = "https://api.hume.ai"
	humeAPIKeyHeader     = "X-Hume-Api-Key"
	defaultPollInterval  = 2 * time.Second
	defaultPollAttempts  = 10
	maxErrorBodyInLogMsg = 256
)

// Classifier scores the emotions visible in one JPEG frame.
type Classifier interface {
	Classify(ctx context.Context, apiKey string, frame []byte) (Scores, error)
}

// BatchClassifier submits a frame as a Hume batch job and polls for predictions.
type BatchClassifier struct {
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
	maxAttempts  int
}

// NewBatchClassifier creates a batch classifier. A nil client uses http.DefaultClient.
func NewBatchClassifier(baseURL string, client *http.Client, pollInterval time.Duration, maxAttempts int) *BatchClassifier {
	if baseURL == "" {
		baseURL = DefaultHumeBaseURL
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultPollAttempts
	}
	return &BatchClassifier{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

func (b *BatchClassifier) httpClient() *http.Client {
	if b.client == nil {
		return http.DefaultClient
	}
	return b.client
}

// Classify implements Classifier.
func (b *BatchClassifier) Classify(ctx context.Context, apiKey string, frame []byte) (Scores, error) {
	if apiKey == "" {
		return nil, NewError(KindConfigurationMissing, "classifier api key is not configured", nil)
	}
	if len(frame) == 0 {
		return nil, NewError(KindDeviceUnavailable, "empty frame", nil)
	}

	jobID, err := b.submit(ctx, apiKey, frame)
	if err != nil {
		return nil, err
	}
	slog.Debug("hume batch job submitted", "job_id", jobID)
	return b.poll(ctx, apiKey, jobID)
}

func (b *BatchClassifier) submit(ctx context.Context, apiKey string, frame []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "webcam_capture.jpg")
	if err != nil {
		return "", fmt.Errorf("hume: multipart file: %w", err)
	}
	if _, err := fw.Write(frame); err != nil {
		return "", fmt.Errorf("hume: multipart file: %w", err)
	}
	if err := mw.WriteField("json", `{"models":{"face":{}}}`); err != nil {
		return "", fmt.Errorf("hume: multipart json: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("hume: multipart close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v0/batch/jobs", &body)
	if err != nil {
		return "", fmt.Errorf("hume: build submit request: %w", err)
	}
	req.Header.Set(humeAPIKeyHeader, apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.httpClient().Do(req)
	if err != nil {
		return "", AsError(fmt.Errorf("hume: submit job: %w", err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Debug("hume submit body close failed", "error", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", NewError(KindNetworkFailure, "read submit response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", NewError(KindClassifierError, fmt.Sprintf("job submission failed (%d): %s", resp.StatusCode, clip(raw)), nil)
	}

	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(raw, &submitted); err != nil {
		return "", NewError(KindMalformedResponse, "decode submit response", err)
	}
	if submitted.JobID == "" {
		return "", NewError(KindMalformedResponse, "submit response has no job_id", nil)
	}
	return submitted.JobID, nil
}

func (b *BatchClassifier) poll(ctx context.Context, apiKey, jobID string) (Scores, error) {
	url := fmt.Sprintf("%s/v0/batch/jobs/%s/predictions", b.baseURL, jobID)

	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		scores, done, err := b.pollOnce(ctx, apiKey, url)
		if err != nil {
			return nil, err
		}
		if done {
			return scores, nil
		}
		slog.Debug("hume predictions not ready", "job_id", jobID, "attempt", attempt, "max_attempts", b.maxAttempts)

		if attempt == b.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, NewError(KindTimeout, "timed out", ctx.Err())
		case <-time.After(b.pollInterval):
		}
	}
	return nil, NewError(KindTimeout, fmt.Sprintf("no predictions after %d attempts", b.maxAttempts), nil)
}

// pollOnce returns done=false when the job is still processing or the attempt
// hit a transient failure.
func (b *BatchClassifier) pollOnce(ctx context.Context, apiKey, url string) (Scores, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("hume: build poll request: %w", err)
	}
	req.Header.Set(humeAPIKeyHeader, apiKey)

	resp, err := b.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, NewError(KindTimeout, "timed out", ctx.Err())
		}
		slog.Warn("hume poll request failed", "error", err)
		return nil, false, nil
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Debug("hume poll body close failed", "error", err)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, false, NewError(KindClassifierError, "rate limit exceeded", nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, NewError(KindClassifierError, fmt.Sprintf("authentication rejected (%d)", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, NewError(KindNetworkFailure, "read predictions", err)
	}
	scores, err := parseBatchPredictions(raw)
	if err != nil {
		return nil, false, err
	}
	return scores, true, nil
}

type humeEmotion struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// parseBatchPredictions walks
// [0].results.predictions[0].models.face.grouped_predictions[0].predictions[0].emotions.
// A well-formed response without a detected face yields empty scores.
func parseBatchPredictions(raw []byte) (Scores, error) {
	var jobs []struct {
		Results struct {
			Predictions []struct {
				Models struct {
					Face struct {
						GroupedPredictions []struct {
							Predictions []struct {
								Emotions []humeEmotion `json:"emotions"`
							} `json:"predictions"`
						} `json:"grouped_predictions"`
					} `json:"face"`
				} `json:"models"`
			} `json:"predictions"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, NewError(KindMalformedResponse, "decode predictions", err)
	}

	scores := Scores{}
	if len(jobs) == 0 || len(jobs[0].Results.Predictions) == 0 {
		return scores, nil
	}
	groups := jobs[0].Results.Predictions[0].Models.Face.GroupedPredictions
	if len(groups) == 0 || len(groups[0].Predictions) == 0 {
		return scores, nil
	}
	for _, e := range groups[0].Predictions[0].Emotions {
		scores[e.Name] = e.Score
	}
	return scores, nil
}

func clip(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBodyInLogMsg {
		return s[:maxErrorBodyInLogMsg] + "..."
	}
	return s
}
