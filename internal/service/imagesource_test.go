package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/yardgen/internal/models"
)

type fakeProvider struct {
	streetCovered   bool
	overheadCovered bool
	streetErr       error

	streetMetaCalls   int
	streetFetchCalls  int
	overheadCalls     int
	overheadFetchCall int
}

func (f *fakeProvider) StreetCoverage(_ context.Context, _ string) (bool, error) {
	f.streetMetaCalls++
	return f.streetCovered, f.streetErr
}

func (f *fakeProvider) FetchStreet(_ context.Context, _ string) ([]byte, string, error) {
	f.streetFetchCalls++
	return []byte("street"), "image/jpeg", nil
}

func (f *fakeProvider) OverheadCoverage(_ context.Context, _ string) (bool, error) {
	f.overheadCalls++
	return f.overheadCovered, nil
}

func (f *fakeProvider) FetchOverhead(_ context.Context, _ string) ([]byte, string, error) {
	f.overheadFetchCall++
	return []byte("overhead"), "image/png", nil
}

type fakeUploader struct {
	calls int
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, data []byte, _, prefix string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "https://cdn.test/" + prefix + "/" + string(data), nil
}

func newResolver(t *testing.T, provider *fakeProvider, uploader *fakeUploader) *ImageSourceResolver {
	t.Helper()
	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return NewImageSourceResolver(log, provider, uploader, "uploads")
}

func TestResolveUploadWinsOutright(t *testing.T) {
	provider := &fakeProvider{streetCovered: true, overheadCovered: true}
	uploader := &fakeUploader{}
	r := newResolver(t, provider, uploader)

	img, err := r.Resolve(context.Background(), "123 Main St", models.AreaFrontYard, &Upload{Data: []byte("mine"), ContentType: "image/jpeg"})
	require.NoError(t, err)

	assert.Equal(t, models.SourceUserUpload, img.Source)
	assert.Equal(t, 0, provider.streetMetaCalls, "upload must skip the provider entirely")
	assert.Equal(t, 0, provider.overheadCalls)
	assert.Equal(t, 1, uploader.calls)
}

func TestResolveFrontYardPrefersStreet(t *testing.T) {
	provider := &fakeProvider{streetCovered: true, overheadCovered: true}
	uploader := &fakeUploader{}
	r := newResolver(t, provider, uploader)

	img, err := r.Resolve(context.Background(), "123 Main St", models.AreaFrontYard, nil)
	require.NoError(t, err)

	assert.Equal(t, models.SourceStreet, img.Source)
	assert.Equal(t, 1, provider.streetFetchCalls)
	assert.Equal(t, 0, provider.overheadCalls)
}

func TestResolveFrontYardFallsBackToOverhead(t *testing.T) {
	provider := &fakeProvider{streetCovered: false, overheadCovered: true}
	uploader := &fakeUploader{}
	r := newResolver(t, provider, uploader)

	img, err := r.Resolve(context.Background(), "123 Main St", models.AreaFrontYard, nil)
	require.NoError(t, err)

	assert.Equal(t, models.SourceOverhead, img.Source)
	assert.Equal(t, 1, provider.streetMetaCalls)
	assert.Equal(t, 0, provider.streetFetchCalls, "no-coverage must not fetch street imagery")
	assert.Equal(t, 1, provider.overheadFetchCall)
}

func TestResolveBackYardSkipsStreet(t *testing.T) {
	provider := &fakeProvider{streetCovered: true, overheadCovered: true}
	uploader := &fakeUploader{}
	r := newResolver(t, provider, uploader)

	img, err := r.Resolve(context.Background(), "123 Main St", models.AreaBackYard, nil)
	require.NoError(t, err)

	assert.Equal(t, models.SourceOverhead, img.Source)
	assert.Equal(t, 0, provider.streetMetaCalls, "street imagery never shows a back yard")
}

func TestResolveNoImageryAnywhere(t *testing.T) {
	provider := &fakeProvider{streetCovered: false, overheadCovered: false}
	uploader := &fakeUploader{}
	r := newResolver(t, provider, uploader)

	_, err := r.Resolve(context.Background(), "nowhere", models.AreaFrontYard, nil)
	require.ErrorIs(t, err, ErrNoImagery)
	assert.Equal(t, 0, uploader.calls)
}

func TestResolveCoverageCheckErrorPropagates(t *testing.T) {
	provider := &fakeProvider{streetErr: errors.New("metadata endpoint 500")}
	uploader := &fakeUploader{}
	r := newResolver(t, provider, uploader)

	_, err := r.Resolve(context.Background(), "123 Main St", models.AreaFrontYard, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoImagery, "a provider outage is not the same as no coverage")
}

func TestResolveUploadStorageFailure(t *testing.T) {
	provider := &fakeProvider{}
	uploader := &fakeUploader{err: errors.New("bucket unavailable")}
	r := newResolver(t, provider, uploader)

	_, err := r.Resolve(context.Background(), "123 Main St", models.AreaFrontYard, &Upload{Data: []byte("x")})
	require.Error(t, err)
}
