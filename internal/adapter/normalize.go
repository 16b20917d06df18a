package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sselfie/generation-core/internal/types"
)

// remoteJobResponse is the provider's prediction/training object. Output and
// error change shape between job types, so they stay raw until normalized.
type remoteJobResponse struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Logs        string          `json:"logs"`
	Output      json.RawMessage `json:"output"`
	Error       json.RawMessage `json:"error"`
	Metrics     json.RawMessage `json:"metrics"`
	Destination string          `json:"destination"`
}

func normalizeStatus(raw string) types.ProviderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "starting", "queued":
		return types.ProviderStatusStarting
	case "processing", "running":
		return types.ProviderStatusProcessing
	case "succeeded", "successful":
		return types.ProviderStatusSucceeded
	case "failed":
		return types.ProviderStatusFailed
	case "canceled", "cancelled":
		return types.ProviderStatusCanceled
	default:
		return ""
	}
}

// normalizeSnapshot converts a raw provider object into a Snapshot. An output
// that cannot be decoded is dropped and recorded in OutputAnomaly; the status
// is kept.
func normalizeSnapshot(resp *remoteJobResponse, jobType types.JobType) *Snapshot {
	snap := &Snapshot{
		Status:    normalizeStatus(resp.Status),
		RawStatus: resp.Status,
		Logs:      resp.Logs,
		Error:     normalizeError(resp.Error),
		Progress:  normalizeProgress(resp.Metrics),
	}

	output, err := normalizeOutput(resp.Output, jobType)
	if err != nil {
		snap.OutputAnomaly = err.Error()
		output = nil
	}
	if resp.Destination != "" {
		if output == nil {
			output = &Output{}
		}
		output.Destination = resp.Destination
	}
	snap.Output = output
	return snap
}

// normalizeOutput accepts a URL string, an array of URLs, or an object
func normalizeOutput(raw json.RawMessage, jobType types.JobType) (*Output, error) {
	if isNull(raw) {
		return nil, nil
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}

	out := &Output{}
	switch v := value.(type) {
	case string:
		if jobType == types.JobTypeTraining {
			out.WeightsURL = v
		} else {
			out.MediaURLs = []string{v}
		}
	case []interface{}:
		out.MediaURLs = stringsOf(v)
	case map[string]interface{}:
		out.WeightsURL = firstString(v, "weights", "weights_url")
		out.ModelRef = firstString(v, "model")
		out.Destination = firstString(v, "destination")
		if version := firstString(v, "version"); version != "" {
			model, id := splitVersionRef(version)
			if model != "" && out.ModelRef == "" {
				out.ModelRef = model
			}
			out.VersionRef = id
		}
		for _, key := range []string{"images", "videos", "urls"} {
			if list, ok := v[key].([]interface{}); ok {
				out.MediaURLs = append(out.MediaURLs, stringsOf(list)...)
			}
		}
		for _, key := range []string{"image", "video", "url"} {
			if s, ok := v[key].(string); ok && s != "" {
				out.MediaURLs = append(out.MediaURLs, s)
			}
		}
	default:
		return nil, fmt.Errorf("unexpected output type %T", value)
	}

	if out.IsEmpty() {
		return nil, nil
	}
	return out, nil
}

// splitVersionRef splits "owner/name:version" into model and version parts.
// A bare id is returned as the version.
func splitVersionRef(ref string) (string, string) {
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

func normalizeError(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if msg := firstString(obj, "detail", "message", "error"); msg != "" {
			return msg
		}
	}
	return string(raw)
}

func normalizeProgress(raw json.RawMessage) *float64 {
	if isNull(raw) {
		return nil
	}
	var metrics map[string]interface{}
	if err := json.Unmarshal(raw, &metrics); err != nil {
		return nil
	}
	v, ok := metrics["progress"].(float64)
	if !ok || v < 0 || v > 1 {
		return nil
	}
	return &v
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringsOf(values []interface{}) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
