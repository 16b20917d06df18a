package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/types"
)

const maxResponseBytes = 4 << 20

// ReplicateConfig configures the HTTP provider client
type ReplicateConfig struct {
	Name              string
	BaseURL           string
	APIToken          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	WebhookURL        string
	TrainerModel      string
	TrainerVersion    string
}

// ReplicateClient talks to a Replicate-style predictions/trainings API
type ReplicateClient struct {
	cfg        ReplicateConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// NewReplicateClient creates a provider client
func NewReplicateClient(cfg ReplicateConfig, logger *logging.Logger) *ReplicateClient {
	if cfg.Name == "" {
		cfg.Name = "replicate"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &ReplicateClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     logger.WithField("provider", cfg.Name),
	}
}

// Name returns the provider name used in errors and logs
func (c *ReplicateClient) Name() string {
	return c.cfg.Name
}

type submitRequest struct {
	Version             string                 `json:"version,omitempty"`
	Destination         string                 `json:"destination,omitempty"`
	Input               map[string]interface{} `json:"input"`
	Webhook             string                 `json:"webhook,omitempty"`
	WebhookEventsFilter []string               `json:"webhook_events_filter,omitempty"`
}

type versionsResponse struct {
	Results []struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"results"`
}

// Submit starts a prediction, or a training against the configured trainer
func (c *ReplicateClient) Submit(ctx context.Context, spec JobSpec) (string, error) {
	req := submitRequest{Input: spec.Input}
	if req.Input == nil {
		req.Input = map[string]interface{}{}
	}
	if c.cfg.WebhookURL != "" && spec.JobID != "" {
		req.Webhook = strings.TrimRight(c.cfg.WebhookURL, "/") + "/" + url.PathEscape(spec.JobID)
		req.WebhookEventsFilter = []string{"start", "completed"}
	}

	var path string
	switch spec.JobType {
	case types.JobTypeTraining:
		if c.cfg.TrainerVersion == "" {
			return "", apperrors.NewInternalError("trainer version is not configured", nil)
		}
		if spec.Destination == "" {
			return "", apperrors.NewInvalidParameterError("destination", "is required for training")
		}
		owner, name, err := splitModelRef(c.cfg.TrainerModel)
		if err != nil {
			return "", apperrors.NewInternalError("invalid trainer model", err)
		}
		path = fmt.Sprintf("/models/%s/%s/versions/%s/trainings", owner, name, url.PathEscape(c.cfg.TrainerVersion))
		req.Destination = spec.Destination
	case types.JobTypeImageGeneration, types.JobTypeVideoGeneration:
		if spec.Version != "" {
			path = "/predictions"
			req.Version = spec.Version
			break
		}
		owner, name, err := splitModelRef(spec.Model)
		if err != nil {
			return "", apperrors.NewInvalidParameterError("model", err.Error())
		}
		path = fmt.Sprintf("/models/%s/%s/predictions", owner, name)
	default:
		return "", apperrors.NewInvalidParameterError("jobType", fmt.Sprintf("unsupported job type %q", spec.JobType))
	}

	var resp remoteJobResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", apperrors.NewProviderUnavailableError(c.cfg.Name, fmt.Errorf("submit response has no id"))
	}

	c.logger.WithFields(map[string]interface{}{
		"job_id":    spec.JobID,
		"job_type":  spec.JobType,
		"remote_id": resp.ID,
	}).Info("job submitted to provider")
	return resp.ID, nil
}

// Fetch reads a prediction or training
func (c *ReplicateClient) Fetch(ctx context.Context, job RemoteJob) (*Snapshot, error) {
	if job.ID == "" {
		return nil, apperrors.NewInvalidParameterError("remoteJobId", "is required")
	}

	collection := "predictions"
	if job.JobType == types.JobTypeTraining {
		collection = "trainings"
	}

	var resp remoteJobResponse
	if err := c.do(ctx, http.MethodGet, "/"+collection+"/"+url.PathEscape(job.ID), nil, &resp); err != nil {
		return nil, err
	}

	snap := normalizeSnapshot(&resp, job.JobType)
	if snap.OutputAnomaly != "" {
		c.logger.WithFields(map[string]interface{}{
			"remote_id": job.ID,
			"status":    resp.Status,
			"anomaly":   snap.OutputAnomaly,
		}).Warn("provider output could not be decoded")
	}
	return snap, nil
}

// ListVersions returns a model's versions, newest first
func (c *ReplicateClient) ListVersions(ctx context.Context, modelRef string) ([]Version, error) {
	owner, name, err := splitModelRef(modelRef)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("model", err.Error())
	}

	var resp versionsResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/models/%s/%s/versions", owner, name), nil, &resp); err != nil {
		return nil, err
	}

	versions := make([]Version, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.ID == "" {
			continue
		}
		versions = append(versions, Version{ID: r.ID, CreatedAt: r.CreatedAt})
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	return versions, nil
}

func (c *ReplicateClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperrors.NewProviderUnavailableError(c.cfg.Name, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperrors.NewInternalError("encode provider request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return apperrors.NewInternalError("build provider request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewProviderUnavailableError(c.cfg.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.NewProviderUnavailableError(c.cfg.Name, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("provider request")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := apperrors.NewProviderRateLimitError(c.cfg.Name)
		e.Cause = fmt.Errorf("status %d", resp.StatusCode)
		return e
	case resp.StatusCode >= 500:
		return apperrors.NewProviderUnavailableError(c.cfg.Name, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 512)))
	case resp.StatusCode >= 400:
		return apperrors.NewProviderRejectedError(c.cfg.Name, resp.StatusCode, truncate(data, 512))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewProviderUnavailableError(c.cfg.Name, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func splitModelRef(ref string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(ref), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("model reference %q must look like owner/name", ref)
	}
	return url.PathEscape(parts[0]), url.PathEscape(parts[1]), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
