package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"carbonetl/internal/types"
)

// DefaultCarbonIntensityBaseURL is the public regional intensity endpoint.
const DefaultCarbonIntensityBaseURL = "https://api.carbonintensity.org.uk/regional/intensity"

// dateLayout is the path segment format the API accepts for range bounds.
const dateLayout = "2006-01-02"

// DailyURL builds the 24-hour window URL starting at day:
// {base}/{YYYY-MM-DD}/pt24h.
func DailyURL(baseURL string, day time.Time) string {
	return fmt.Sprintf("%s/%s/pt24h", strings.TrimSuffix(baseURL, "/"), day.UTC().Format(dateLayout))
}

// RangeURL builds the explicit range URL: {base}/{start}/{end}.
func RangeURL(baseURL string, start, end time.Time) string {
	return fmt.Sprintf("%s/%s/%s",
		strings.TrimSuffix(baseURL, "/"),
		start.UTC().Format(dateLayout),
		end.UTC().Format(dateLayout),
	)
}

// CarbonIntensityClientConfig holds the settings for NewCarbonIntensityClient.
type CarbonIntensityClientConfig struct {
	UserAgent  string
	MaxRetries int
	Logger     *slog.Logger
}

// CarbonIntensityClient is the extractor: it fetches one batch of regional
// readings from the carbon intensity API.
type CarbonIntensityClient struct {
	base   *BaseClient
	logger *slog.Logger
}

// NewCarbonIntensityClient creates a client. The httpClient timeout bounds
// every call; a zero timeout would let a hung upstream block the task.
func NewCarbonIntensityClient(httpClient *http.Client, cfg CarbonIntensityClientConfig, opts ...BaseClientOption) *CarbonIntensityClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "Mozilla/5.0"
	}

	policy := NoRetryPolicy()
	policy.MaxRetries = cfg.MaxRetries

	return &CarbonIntensityClient{
		base:   NewBaseClient(httpClient, "carbon-intensity", policy, userAgent, opts...),
		logger: logger,
	}
}

// Fetch issues a single GET against url and returns the readings under the
// envelope's "data" key.
//
// The status code is logged but not checked: a 4xx body is decoded like any
// other, so an error document fails on the missing "data" key and a non-JSON
// body fails to decode. Every failure is an extraction error with the cause
// attached.
//
// 429 and 5xx responses are the exception: BaseClient treats them as
// upstream failures and closes the body, so a 5xx that still carries a valid
// data envelope fails here instead of being decoded.
func (c *CarbonIntensityClient) Fetch(ctx context.Context, url string) ([]types.RawReading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewExtractionError("failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, types.NewExtractionError(fmt.Sprintf("GET %s failed", url), err)
	}
	defer resp.Body.Close()

	c.logger.InfoContext(ctx, "carbon intensity response received",
		"url", url,
		"status_code", resp.StatusCode,
	)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewExtractionError("failed to read response body", err)
	}

	var envelope types.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, types.NewExtractionError(
			fmt.Sprintf("response is not valid JSON (status %d)", resp.StatusCode),
			err,
		).WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	if envelope.Data == nil {
		return nil, types.NewExtractionError(
			fmt.Sprintf("response has no data key (status %d)", resp.StatusCode),
			nil,
		).WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	return *envelope.Data, nil
}
