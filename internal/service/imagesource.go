package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/verdantlabs/yardgen/internal/models"
)

// ImageryProvider is the mapping-imagery collaborator: a cheap metadata
// coverage check plus a full image fetch, for each of the two sources.
type ImageryProvider interface {
	StreetCoverage(ctx context.Context, address string) (bool, error)
	FetchStreet(ctx context.Context, address string) ([]byte, string, error)
	OverheadCoverage(ctx context.Context, address string) (bool, error)
	FetchOverhead(ctx context.Context, address string) ([]byte, string, error)
}

type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType, prefix string) (string, error)
}

// Upload is a user-supplied image attached to a generation request.
type Upload struct {
	Data        []byte
	ContentType string
}

// ResolvedImage is the input image selected for one sub-area.
type ResolvedImage struct {
	URL    string
	Source models.ImageSource
}

// ImageSourceResolver walks the fallback chain: user upload wins outright,
// front-facing areas try street-level imagery, everything else (and street
// no-coverage) falls back to overhead imagery. It performs no quality
// filtering; degraded imagery is passed through and left to the generation
// provider.
type ImageSourceResolver struct {
	log          *slog.Logger
	provider     ImageryProvider
	uploader     Uploader
	uploadPrefix string
}

func NewImageSourceResolver(log *slog.Logger, provider ImageryProvider, uploader Uploader, uploadPrefix string) *ImageSourceResolver {
	return &ImageSourceResolver{
		log:          log,
		provider:     provider,
		uploader:     uploader,
		uploadPrefix: uploadPrefix,
	}
}

func (r *ImageSourceResolver) Resolve(ctx context.Context, address string, area models.AreaKind, upload *Upload) (*ResolvedImage, error) {
	if upload != nil && len(upload.Data) > 0 {
		url, err := r.uploader.Upload(ctx, upload.Data, upload.ContentType, r.uploadPrefix)
		if err != nil {
			return nil, fmt.Errorf("store uploaded image: %w", err)
		}
		return &ResolvedImage{URL: url, Source: models.SourceUserUpload}, nil
	}

	if area.GroundCovered() {
		covered, err := r.provider.StreetCoverage(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("street coverage check: %w", err)
		}
		if covered {
			data, contentType, err := r.provider.FetchStreet(ctx, address)
			if err != nil {
				return nil, fmt.Errorf("fetch street imagery: %w", err)
			}
			url, err := r.uploader.Upload(ctx, data, contentType, r.uploadPrefix)
			if err != nil {
				return nil, fmt.Errorf("store street imagery: %w", err)
			}
			return &ResolvedImage{URL: url, Source: models.SourceStreet}, nil
		}
		r.log.Info("no street coverage, falling back to overhead", "address", address)
	}

	covered, err := r.provider.OverheadCoverage(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("overhead coverage check: %w", err)
	}
	if !covered {
		return nil, ErrNoImagery
	}
	data, contentType, err := r.provider.FetchOverhead(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("fetch overhead imagery: %w", err)
	}
	url, err := r.uploader.Upload(ctx, data, contentType, r.uploadPrefix)
	if err != nil {
		return nil, fmt.Errorf("store overhead imagery: %w", err)
	}
	return &ResolvedImage{URL: url, Source: models.SourceOverhead}, nil
}
