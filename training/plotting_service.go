package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PlottingService publishes plot descriptions to a sidecar plotting application
// that renders them as an interactive dashboard
type PlottingService struct {
	baseURL    string
	httpClient *http.Client
	config     PlottingServiceConfig
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// BatchPlottingResponse represents the response from the batch plotting endpoint
type BatchPlottingResponse struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	BatchID      string            `json:"batch_id,omitempty"`
	Results      []BatchPlotResult `json:"results,omitempty"`
	DashboardURL string            `json:"dashboard_url,omitempty"`
}

// BatchPlotResult represents a single plot result within a batch response
type BatchPlotResult struct {
	Success  bool   `json:"success"`
	PlotID   string `json:"plot_id,omitempty"`
	ViewURL  string `json:"view_url,omitempty"`
	PlotType string `json:"plot_type,omitempty"`
	Message  string `json:"message,omitempty"`
}

// DefaultPlottingServiceConfig returns default configuration for the plotting service
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// NewPlottingService creates a new plotting service client
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &PlottingService{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
	}
}

// BatchSendPlots posts all plots in one request to /api/batch-plot, retrying
// failed attempts after RetryDelay
func (ps *PlottingService) BatchSendPlots(ctx context.Context, plots []PlotData) (*BatchPlottingResponse, error) {
	body, err := json.Marshal(map[string]interface{}{
		"plots": plots,
		"batch": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch plot data: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < ps.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(ps.config.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		resp, err := ps.post(ctx, "/api/batch-plot", body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to send plots after %d attempts: %w", ps.config.RetryAttempts, lastErr)
}

func (ps *PlottingService) post(ctx context.Context, path string, body []byte) (*BatchPlottingResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-fgp-training")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	var out BatchPlottingResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &out, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, out.Message)
	}
	return &out, nil
}

// CheckHealth checks if the plotting service is available
func (ps *PlottingService) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ps.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("plotting service is not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plotting service health check failed with status %d", resp.StatusCode)
	}
	return nil
}
