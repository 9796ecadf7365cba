package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/veriup/veriup/internal/domain/trust"
	"github.com/veriup/veriup/internal/logger"
	"github.com/veriup/veriup/internal/rollout"
)

var errBadHTTPStatus = errors.New("unexpected http status")

const (
	// retryInitialInterval is the first backoff delay after a network failure.
	retryInitialInterval = 500 * time.Millisecond

	// retryMaxElapsed bounds the total time spent retrying one exchange.
	retryMaxElapsed = 30 * time.Second
)

// apiClient talks to the update server. Transport failures come back as
// *NetworkError and are retried with bounded exponential backoff; HTTP error
// statuses are permanent.
type apiClient struct {
	// baseURL is the server root, e.g. "http://10.0.0.1:8080".
	baseURL string
	// http is the underlying client carrying the configured timeout.
	http *http.Client
}

func newAPIClient(serverAddress string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: "http://" + serverAddress,
		http:    &http.Client{Timeout: timeout},
	}
}

// get fetches one path, retrying transport failures.
func (c *apiClient) get(ctx context.Context, requestPath string) ([]byte, error) {
	var body []byte

	operation := func() error {
		data, err := c.getOnce(ctx, requestPath)
		if err != nil {
			if IsRetryable(err) {
				logger.WarnKV(ctx, "Fetch failed, will retry", "path", requestPath, "error", err)
				return err
			}

			return backoff.Permanent(err)
		}

		body = data

		return nil
	}

	if err := backoff.Retry(operation, c.newBackOff(ctx)); err != nil {
		return nil, err
	}

	return body, nil
}

func (c *apiClient) getOnce(ctx context.Context, requestPath string) ([]byte, error) {
	finalURL, err := c.buildURL(requestPath)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, http.NoBody)
	if err != nil {
		return nil, err
	}

	response, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: finalURL, Err: err}
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s, %s: %w", finalURL, response.Status, errBadHTTPStatus)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, &NetworkError{URL: finalURL, Err: err}
	}

	return data, nil
}

// post sends a JSON payload. Posts are not retried: health samples are
// ephemeral and rollback reports are re-sent on the next poll anyway.
func (c *apiClient) post(ctx context.Context, requestPath string, payload any) ([]byte, error) {
	finalURL, err := c.buildURL(requestPath)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, finalURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	response, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: finalURL, Err: err}
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("%s, %s: %w", finalURL, response.Status, errBadHTTPStatus)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, &NetworkError{URL: finalURL, Err: err}
	}

	return data, nil
}

func (c *apiClient) buildURL(requestPath string) (string, error) {
	serverURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	// path.Join normalizes duplicate slashes; the query survives separately.
	split, query, _ := strings.Cut(requestPath, "?")

	serverURL.Path = path.Join(serverURL.Path, split)
	serverURL.RawQuery = query

	return serverURL.String(), nil
}

func (c *apiClient) newBackOff(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxElapsedTime = retryMaxElapsed

	return backoff.WithContext(policy, ctx)
}

// fetchDocument fetches and decodes the current signed document for a role.
func (c *apiClient) fetchDocument(ctx context.Context, role trust.Role) (*trust.Document, error) {
	data, err := c.get(ctx, "/metadata/"+string(role))
	if err != nil {
		return nil, err
	}

	return trust.DecodeDocument(data)
}

// fetchRootVersion fetches a historical root document by version.
func (c *apiClient) fetchRootVersion(ctx context.Context, version int) (*trust.Document, error) {
	data, err := c.get(ctx, fmt.Sprintf("/metadata/root/%d", version))
	if err != nil {
		return nil, err
	}

	return trust.DecodeDocument(data)
}

// fetchTarget downloads content-addressed target bytes.
func (c *apiClient) fetchTarget(ctx context.Context, hash string) ([]byte, error) {
	return c.get(ctx, "/targets/"+hash)
}

// eligibilityResult mirrors the server's cohort answer.
type eligibilityResult struct {
	// Eligible reports whether the device may install now.
	Eligible bool `json:"eligible"`
	// UpdateID is the gating rollout, empty for ungated targets.
	UpdateID string `json:"update_id,omitempty"`
}

// checkEligibility asks whether the device is in the active cohort.
func (c *apiClient) checkEligibility(ctx context.Context, deviceID, target string) (*eligibilityResult, error) {
	requestPath := fmt.Sprintf("/v1/eligibility?device_id=%s&target=%s",
		url.QueryEscape(deviceID), url.QueryEscape(target))

	data, err := c.get(ctx, requestPath)
	if err != nil {
		return nil, err
	}

	var result eligibilityResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// reportHealth posts one health sample. Failures are logged, not returned:
// a lost sample must never fail the pipeline.
func (c *apiClient) reportHealth(ctx context.Context, sample rollout.Sample) {
	if _, err := c.post(ctx, "/v1/health", sample); err != nil {
		logger.WarnKV(ctx, "Health report failed", "check", sample.Check, "error", err)
	}
}

// rollbackReport mirrors the server's security-event intake payload.
type rollbackReport struct {
	// DeviceID identifies the reporting device.
	DeviceID string `json:"device_id"`
	// Role is the regressed metadata role.
	Role trust.Role `json:"role"`
	// SeenVersion is the regressed version the server offered.
	SeenVersion int `json:"seen_version"`
	// AcceptedVersion is the version this device had already accepted.
	AcceptedVersion int `json:"accepted_version"`
}

// reportRollbackAttempt logs a detected version regression upstream.
func (c *apiClient) reportRollbackAttempt(ctx context.Context, report rollbackReport) {
	if _, err := c.post(ctx, "/v1/events/rollback-attempt", report); err != nil {
		logger.ErrorKV(ctx, "Rollback attempt report failed", "role", report.Role, "error", err)
	}
}
