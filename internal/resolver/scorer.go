package resolver

import (
	"github.com/lxc/system-imaged/internal/model"
)

const notMaxPenalty = 9000

// WeightedScorer is the default "weighted" scorer:
//
//	score(path) = sum(100 if full else 0) + sum(size_mb_rounded) + penalty_not_max
//
// where penalty_not_max is notMaxPenalty when the path's target version is
// below maxVersion, else zero.
func WeightedScorer(path model.CandidatePath, maxVersion int) int {
	score := 0

	for _, step := range path.Steps {
		if step.Kind == model.ImageKindFull {
			score += 100
		}

		score += sizeMBRounded(step)
	}

	if path.TargetVersion() < maxVersion {
		score += notMaxPenalty
	}

	return score
}

func sizeMBRounded(step model.Image) int {
	var total int64

	for _, f := range step.Files {
		total += f.Size
	}

	const mb = 1024 * 1024

	return int((total + mb/2) / mb)
}
