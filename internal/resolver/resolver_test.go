package resolver_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lxc/system-imaged/internal/model"
	"github.com/lxc/system-imaged/internal/resolver"
)

func fileOfSize(bytes int64) model.File {
	return model.File{Path: "/x", Checksum: "abc", Size: bytes}
}

// S1: already up to date.
func TestResolveUpToDate(t *testing.T) {
	images := []model.Image{
		{Version: 900, Kind: model.ImageKindFull, Files: []model.File{fileOfSize(1)}},
		{Version: 950, Kind: model.ImageKindDelta, Base: 900, Files: []model.File{fileOfSize(1)}},
		{Version: 1000, Kind: model.ImageKindDelta, Base: 950, Files: []model.File{fileOfSize(1)}},
	}

	_, err := resolver.Resolve(images, resolver.Options{CurrentVersion: 1000, DevicePercentage: 0})
	require.ErrorIs(t, err, resolver.ErrUpToDate)
}

// S2: delta chain wins on size.
func TestResolveDeltaChainWinsOnSize(t *testing.T) {
	mb := int64(1024 * 1024)
	images := []model.Image{
		{Version: 200, Kind: model.ImageKindFull, Files: []model.File{fileOfSize(500 * mb)}},
		{Version: 150, Kind: model.ImageKindDelta, Base: 100, Files: []model.File{fileOfSize(60 * mb)}},
		{Version: 200, Kind: model.ImageKindDelta, Base: 150, Files: []model.File{fileOfSize(50 * mb)}},
	}

	path, err := resolver.Resolve(images, resolver.Options{CurrentVersion: 100, DevicePercentage: 0})
	require.NoError(t, err)
	require.Equal(t, 200, path.TargetVersion())
	require.Len(t, path.Steps, 2)
	require.Equal(t, model.ImageKindDelta, path.Steps[0].Kind)
	require.Equal(t, 150, path.Steps[0].Version)
	require.Equal(t, 200, path.Steps[1].Version)
}

// S3: full preferred when delta path doesn't reach max.
func TestResolveFullPreferredWhenDeltaDoesntReachMax(t *testing.T) {
	mb := int64(1024 * 1024)
	images := []model.Image{
		{Version: 200, Kind: model.ImageKindFull, Files: []model.File{fileOfSize(500 * mb)}},
		{Version: 150, Kind: model.ImageKindDelta, Base: 100, Files: []model.File{fileOfSize(60 * mb)}},
	}

	path, err := resolver.Resolve(images, resolver.Options{CurrentVersion: 100, DevicePercentage: 0})
	require.NoError(t, err)
	require.Equal(t, 200, path.TargetVersion())
	require.Len(t, path.Steps, 1)
	require.Equal(t, model.ImageKindFull, path.Steps[0].Kind)
}

func TestResolvePhaseGating(t *testing.T) {
	mb := int64(1024 * 1024)
	images := []model.Image{
		{Version: 200, Kind: model.ImageKindFull, PhasedPercentage: 30, Files: []model.File{fileOfSize(mb)}},
	}

	_, err := resolver.Resolve(images, resolver.Options{CurrentVersion: 100, DevicePercentage: 40})
	require.ErrorIs(t, err, resolver.ErrUpToDate)
}

func TestResolveMaxImageCapTruncatesTrailingSteps(t *testing.T) {
	mb := int64(1024 * 1024)
	images := []model.Image{
		{Version: 150, Kind: model.ImageKindDelta, Base: 100, Files: []model.File{fileOfSize(mb)}},
		{Version: 200, Kind: model.ImageKindDelta, Base: 150, Files: []model.File{fileOfSize(mb)}},
	}

	path, err := resolver.Resolve(images, resolver.Options{CurrentVersion: 100, DevicePercentage: 0, MaxImage: 150})
	require.NoError(t, err)
	require.Equal(t, 150, path.TargetVersion())
}

func TestResolveNoPathWhenDeltaBaseUnreachable(t *testing.T) {
	images := []model.Image{
		{Version: 200, Kind: model.ImageKindDelta, Base: 150, Files: []model.File{fileOfSize(1)}},
	}

	_, err := resolver.Resolve(images, resolver.Options{CurrentVersion: 100, DevicePercentage: 0})
	require.ErrorIs(t, err, resolver.ErrNoPath)
}

func TestFilterDeltaOnlyExcludesFullRootedPaths(t *testing.T) {
	mb := int64(1024 * 1024)
	images := []model.Image{
		{Version: 200, Kind: model.ImageKindFull, Files: []model.File{fileOfSize(mb)}},
		{Version: 150, Kind: model.ImageKindDelta, Base: 100, Files: []model.File{fileOfSize(mb)}},
	}

	path, err := resolver.Resolve(images, resolver.Options{CurrentVersion: 100, DevicePercentage: 0, Filter: resolver.FilterDeltaOnly})
	require.NoError(t, err)
	require.Equal(t, model.ImageKindDelta, path.Steps[0].Kind)
}
