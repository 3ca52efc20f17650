// Package resolver enumerates candidate upgrade paths through an index's
// images and scores them to pick a winner, per the path resolver + scorer
// component of the update engine.
package resolver

import (
	"errors"

	"github.com/lxc/system-imaged/internal/model"
)

// ErrUpToDate is returned when the device's current version is already at
// or beyond the index's maximum eligible version.
var ErrUpToDate = errors.New("up to date")

// ErrNoPath is returned when no eligible candidate path exists.
var ErrNoPath = errors.New("no path")

// Filter restricts which candidate paths are considered.
type Filter int

const (
	// FilterAny considers every candidate path.
	FilterAny Filter = iota
	// FilterFullOnly restricts to paths whose first step is a full image.
	FilterFullOnly
	// FilterDeltaOnly restricts to paths rooted directly at the device's
	// current version via deltas, never starting from a full image.
	FilterDeltaOnly
)

// Scorer assigns an integer score to a candidate path; lower is better.
// maxVersion is the highest version reachable among all eligible images,
// used to compute the not-max penalty.
type Scorer func(path model.CandidatePath, maxVersion int) int

// Options configures a single resolve operation.
type Options struct {
	// CurrentVersion is the device's current build number.
	CurrentVersion int
	// DevicePercentage is the device's phased-rollout percentage (0-100).
	DevicePercentage int
	// Filter restricts the candidate set.
	Filter Filter
	// MaxImage caps the winning path's trailing steps to versions <= MaxImage.
	// Zero disables the cap.
	MaxImage int
	// Scorer scores a candidate path. Defaults to WeightedScorer if nil.
	Scorer Scorer
}

// Resolve selects the winning upgrade path from images, or reports
// ErrUpToDate / ErrNoPath.
func Resolve(images []model.Image, opts Options) (model.CandidatePath, error) {
	scorer := opts.Scorer
	if scorer == nil {
		scorer = WeightedScorer
	}

	eligible := filterEligible(images, opts.CurrentVersion, opts.DevicePercentage)
	if len(eligible) == 0 {
		return model.CandidatePath{}, ErrUpToDate
	}

	maxVersion := 0

	for _, img := range eligible {
		if img.Version > maxVersion {
			maxVersion = img.Version
		}
	}

	candidates := enumerate(eligible, opts.CurrentVersion)
	candidates = applyFilter(candidates, opts.Filter)

	if len(candidates) == 0 {
		return model.CandidatePath{}, ErrNoPath
	}

	winner := pickBest(candidates, scorer, maxVersion)

	if opts.MaxImage > 0 {
		capped, err := applyMaxImageCap(winner, opts.MaxImage)
		if err != nil {
			return model.CandidatePath{}, err
		}

		winner = capped
	}

	return winner, nil
}

// filterEligible drops images at or below current version and images
// ineligible by minversion or phased-percentage gating.
func filterEligible(images []model.Image, currentVersion, devicePercentage int) []model.Image {
	var out []model.Image

	for _, img := range images {
		if img.Version <= currentVersion {
			continue
		}

		if img.MinVersion > 0 && currentVersion < img.MinVersion {
			continue
		}

		if img.EffectivePhasedPercentage() < devicePercentage {
			continue
		}

		out = append(out, img)
	}

	return out
}

// enumerate builds every maximal candidate path rooted either at
// currentVersion (following delta chains) or at each eligible full image
// newer than currentVersion.
func enumerate(images []model.Image, currentVersion int) []model.CandidatePath {
	deltasByBase := map[int][]model.Image{}
	fullsByVersion := map[int]model.Image{}

	for _, img := range images {
		if img.Kind == model.ImageKindDelta {
			deltasByBase[img.Base] = append(deltasByBase[img.Base], img)
		} else {
			fullsByVersion[img.Version] = img
		}
	}

	var paths []model.CandidatePath

	// Roots at the device's current version: continue purely via deltas.
	for _, leaf := range walk(nil, currentVersion, deltasByBase) {
		paths = append(paths, model.CandidatePath{Steps: leaf})
	}

	// Roots at each full image newer than current version.
	for _, full := range fullsByVersion {
		for _, leaf := range walk([]model.Image{full}, full.Version, deltasByBase) {
			paths = append(paths, model.CandidatePath{Steps: leaf})
		}
	}

	return paths
}

// walk extends prefix by following every delta chain rooted at
// fromVersion, returning one []model.Image per maximal (leaf) path. When
// fromVersion has no outgoing delta, prefix itself (if non-empty) is
// returned as the sole leaf.
func walk(prefix []model.Image, fromVersion int, deltasByBase map[int][]model.Image) [][]model.Image {
	next := deltasByBase[fromVersion]
	if len(next) == 0 {
		if len(prefix) == 0 {
			return nil
		}

		return [][]model.Image{prefix}
	}

	var leaves [][]model.Image

	for _, delta := range next {
		extended := make([]model.Image, len(prefix), len(prefix)+1)
		copy(extended, prefix)
		extended = append(extended, delta)

		leaves = append(leaves, walk(extended, delta.Version, deltasByBase)...)
	}

	return leaves
}

func applyFilter(paths []model.CandidatePath, f Filter) []model.CandidatePath {
	if f == FilterAny {
		return paths
	}

	var out []model.CandidatePath

	for _, p := range paths {
		if len(p.Steps) == 0 {
			continue
		}

		isFullStart := p.Steps[0].Kind == model.ImageKindFull

		if f == FilterFullOnly && isFullStart {
			out = append(out, p)
		}

		if f == FilterDeltaOnly && !isFullStart {
			out = append(out, p)
		}
	}

	return out
}

// pickBest scores every candidate and returns the minimum, tie-broken by
// smaller total byte size, then by shorter path (the longest tied path
// sorts last).
func pickBest(paths []model.CandidatePath, scorer Scorer, maxVersion int) model.CandidatePath {
	best := paths[0]
	bestScore := scorer(best, maxVersion)

	for _, p := range paths[1:] {
		score := scorer(p, maxVersion)

		if better(p, score, best, bestScore) {
			best = p
			bestScore = score
		}
	}

	return best
}

func better(p model.CandidatePath, pScore int, best model.CandidatePath, bestScore int) bool {
	if pScore != bestScore {
		return pScore < bestScore
	}

	pSize := p.TotalSizeBytes()
	bestSize := best.TotalSizeBytes()

	if pSize != bestSize {
		return pSize < bestSize
	}

	return len(p.Steps) < len(best.Steps)
}

// ErrEmptyAfterCap is returned when a maximage cap would leave no steps.
var ErrEmptyAfterCap = errors.New("maximage cap leaves no eligible steps")

// applyMaxImageCap truncates trailing steps whose version exceeds cap.
func applyMaxImageCap(path model.CandidatePath, cap int) (model.CandidatePath, error) { //nolint:predeclared
	var steps []model.Image

	for _, step := range path.Steps {
		if step.Version > cap {
			break
		}

		steps = append(steps, step)
	}

	if len(steps) == 0 {
		return model.CandidatePath{}, ErrEmptyAfterCap
	}

	return model.CandidatePath{Steps: steps}, nil
}
