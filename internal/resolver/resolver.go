// Package resolver decides which artifact references a finished job really
// produced. Provider responses can echo the trainer where the destination was
// expected, so nothing here trusts a single field.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/sselfie/generation-core/internal/adapter"
	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/types"
)

// Resolution sources
const (
	SourceDirectURL      = "direct_url"
	SourceOutputVersion  = "output_version"
	SourceVersionListing = "version_listing"
)

// VersionLister lists a model's versions, newest first
type VersionLister interface {
	ListVersions(ctx context.Context, modelRef string) ([]adapter.Version, error)
}

// Config names the trainer identifiers that must never be recorded as a
// user's artifact and the template for building weights URLs.
type Config struct {
	TrainerModel       string
	TrainerVersion     string
	WeightsURLTemplate string
}

// Resolver resolves provider output into result artifacts
type Resolver struct {
	cfg    Config
	lister VersionLister
	logger *logging.Logger
}

// Resolution is the outcome of Resolve. When Resolved is false Detail explains
// why; callers must treat that as a failure needing review.
type Resolution struct {
	Artifacts *models.ResultArtifacts
	Resolved  bool
	Detail    string
}

// NewResolver creates a resolver
func NewResolver(cfg Config, lister VersionLister, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Resolver{
		cfg:    cfg,
		lister: lister,
		logger: logger.WithField("component", "output_resolver"),
	}
}

// Resolve determines the artifacts for a succeeded job. hint is the destination
// captured at submission. A transient failure while listing versions is returned
// as an error and nothing should be persisted; every other problem yields an
// unresolved Resolution.
func (r *Resolver) Resolve(ctx context.Context, jobType types.JobType, out *adapter.Output, hint string) (*Resolution, error) {
	art := &models.ResultArtifacts{}
	if out == nil {
		out = &adapter.Output{}
	}
	hint = strings.TrimSpace(hint)

	if jobType != types.JobTypeTraining {
		if len(out.MediaURLs) == 0 && out.WeightsURL == "" {
			return r.unresolved(art, "provider reported success without any output url"), nil
		}
		art.MediaURLs = append([]string(nil), out.MediaURLs...)
		if len(art.MediaURLs) == 0 {
			art.MediaURLs = []string{out.WeightsURL}
		}
		art.Source = SourceDirectURL
		return &Resolution{Artifacts: art, Resolved: true}, nil
	}

	if hint != "" && r.isTrainerModel(hint) {
		r.anomaly(art, "destination %q is the trainer; ignored", hint)
		hint = ""
	}

	foreignVersion := false
	echoed := ""
	for _, ref := range []string{out.ModelRef, out.Destination} {
		if ref == "" {
			continue
		}
		if r.isTrainerModel(ref) {
			r.anomaly(art, "output model %q is the trainer; ignored", ref)
			foreignVersion = foreignVersion || ref == out.ModelRef
			continue
		}
		if echoed == "" {
			echoed = ref
		}
	}

	switch {
	case hint != "" && echoed != "" && echoed != hint:
		r.anomaly(art, "output model %q disagrees with destination %q; using destination", echoed, hint)
		art.ModelID = hint
		foreignVersion = true
	case hint != "":
		art.ModelID = hint
	default:
		art.ModelID = echoed
	}

	version := out.VersionRef
	switch {
	case version == "":
	case r.isTrainerVersion(version):
		r.anomaly(art, "output version %q is the trainer version; ignored", version)
		version = ""
	case foreignVersion:
		r.anomaly(art, "output version %q does not belong to %q; ignored", version, art.ModelID)
		version = ""
	}

	if out.WeightsURL != "" {
		art.WeightsURL = out.WeightsURL
		art.VersionID = version
		art.Source = SourceDirectURL
		return &Resolution{Artifacts: art, Resolved: true}, nil
	}

	if art.ModelID == "" {
		return r.unresolved(art, "no destination model could be established"), nil
	}

	art.Source = SourceOutputVersion
	if version == "" {
		listed, err := r.latestVersion(ctx, art)
		if err != nil {
			return nil, err
		}
		if listed == "" {
			return r.unresolved(art, fmt.Sprintf("no usable version for model %q", art.ModelID)), nil
		}
		version = listed
		art.Source = SourceVersionListing
	}
	art.VersionID = version

	weights := r.weightsURL(art.ModelID, version)
	if weights == "" {
		return r.unresolved(art, "no weights url template configured"), nil
	}
	art.WeightsURL = weights
	return &Resolution{Artifacts: art, Resolved: true}, nil
}

func (r *Resolver) latestVersion(ctx context.Context, art *models.ResultArtifacts) (string, error) {
	if r.lister == nil {
		return "", nil
	}
	versions, err := r.lister.ListVersions(ctx, art.ModelID)
	if err != nil {
		if apperrors.IsProviderUnavailable(err) {
			return "", err
		}
		r.anomaly(art, "listing versions of %q failed: %v", art.ModelID, err)
		return "", nil
	}
	for _, v := range versions {
		if r.isTrainerVersion(v.ID) {
			r.anomaly(art, "version listing returned the trainer version; skipped")
			continue
		}
		return v.ID, nil
	}
	return "", nil
}

func (r *Resolver) weightsURL(model, version string) string {
	if r.cfg.WeightsURLTemplate == "" {
		return ""
	}
	return strings.NewReplacer("{model}", model, "{version}", version).Replace(r.cfg.WeightsURLTemplate)
}

func (r *Resolver) isTrainerModel(ref string) bool {
	return r.cfg.TrainerModel != "" && strings.EqualFold(ref, r.cfg.TrainerModel)
}

func (r *Resolver) isTrainerVersion(id string) bool {
	return r.cfg.TrainerVersion != "" && id == r.cfg.TrainerVersion
}

func (r *Resolver) anomaly(art *models.ResultArtifacts, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	art.Anomalies = append(art.Anomalies, msg)
	r.logger.WithField("anomaly", msg).Warn("output resolution anomaly")
}

func (r *Resolver) unresolved(art *models.ResultArtifacts, detail string) *Resolution {
	r.logger.WithField("detail", detail).Warn("output unresolved")
	art.Source = ""
	return &Resolution{Artifacts: art, Resolved: false, Detail: detail}
}
