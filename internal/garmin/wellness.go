package garmin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Dataset keys as Garmin names them
const (
	DatasetActivities    = "activities"
	DatasetDailies       = "dailies"
	DatasetSleeps        = "sleeps"
	DatasetStressDetails = "stressDetails"
	DatasetHRV           = "hrv"
	DatasetPulseOx       = "pulseOx"
)

// WellnessDatasets lists every dataset the sync pipeline pulls
var WellnessDatasets = []string{
	DatasetDailies, DatasetSleeps, DatasetStressDetails, DatasetHRV, DatasetPulseOx,
}

// fetchDataset pulls one dataset for an upload-time window. Garmin
// returns a bare JSON array of records; record shapes vary by dataset
// and API version, so decoding stays loose here and the normalizer
// sorts it out
func (c *Client) fetchDataset(ctx context.Context, accessToken, dataset string, start, end time.Time) ([]map[string]any, error) {
	params := url.Values{
		"uploadStartTimeInSeconds": {fmt.Sprintf("%d", start.Unix())},
		"uploadEndTimeInSeconds":   {fmt.Sprintf("%d", end.Unix())},
	}
	path := fmt.Sprintf("/%s?%s", dataset, params.Encode())

	body, err := c.doRequest(ctx, metricsOpForDataset(dataset), "GET", path, accessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", dataset, err)
	}

	var records []map[string]any
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", dataset, err)
	}

	return records, nil
}

func metricsOpForDataset(dataset string) string {
	return "fetch_" + dataset
}

// Activities fetches activity summaries uploaded in the window
func (c *Client) Activities(ctx context.Context, accessToken string, start, end time.Time) ([]map[string]any, error) {
	return c.fetchDataset(ctx, accessToken, DatasetActivities, start, end)
}

// Dailies fetches daily wellness summaries uploaded in the window
func (c *Client) Dailies(ctx context.Context, accessToken string, start, end time.Time) ([]map[string]any, error) {
	return c.fetchDataset(ctx, accessToken, DatasetDailies, start, end)
}

// Sleeps fetches sleep summaries uploaded in the window
func (c *Client) Sleeps(ctx context.Context, accessToken string, start, end time.Time) ([]map[string]any, error) {
	return c.fetchDataset(ctx, accessToken, DatasetSleeps, start, end)
}

// StressDetails fetches stress summaries uploaded in the window
func (c *Client) StressDetails(ctx context.Context, accessToken string, start, end time.Time) ([]map[string]any, error) {
	return c.fetchDataset(ctx, accessToken, DatasetStressDetails, start, end)
}

// HRV fetches heart-rate-variability summaries uploaded in the window
func (c *Client) HRV(ctx context.Context, accessToken string, start, end time.Time) ([]map[string]any, error) {
	return c.fetchDataset(ctx, accessToken, DatasetHRV, start, end)
}

// PulseOx fetches SpO2 summaries uploaded in the window
func (c *Client) PulseOx(ctx context.Context, accessToken string, start, end time.Time) ([]map[string]any, error) {
	return c.fetchDataset(ctx, accessToken, DatasetPulseOx, start, end)
}

// FetchDataset fetches any named dataset. Used when iterating over all
// wellness datasets in a sync pass
func (c *Client) FetchDataset(ctx context.Context, accessToken, dataset string, start, end time.Time) ([]map[string]any, error) {
	return c.fetchDataset(ctx, accessToken, dataset, start, end)
}
