package discovery

import (
	"slices"
	"sort"
	"strings"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/dockercli"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// Signal weights. The summed weights are divided by the number of signals
// that applied, so a perfect match on every signal scores below 1.
const (
	WeightImageExact = 0.5
	WeightImageBase  = 0.3
	WeightName       = 0.3
	WeightPorts      = 0.2

	// SuggestionThreshold is the score a container must exceed to be
	// offered as a rematch suggestion.
	SuggestionThreshold = 0.3

	// EquivalenceThreshold is the score above which a container is taken
	// to be the asset's container without operator confirmation.
	EquivalenceThreshold = 0.5
)

// Confidence buckets a match score.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceVeryLow Confidence = "very_low"
)

// ConfidenceLevel maps a score to its bucket.
func ConfidenceLevel(score float64) Confidence {
	switch {
	case score >= 0.8:
		return ConfidenceHigh
	case score >= 0.5:
		return ConfidenceMedium
	case score >= 0.3:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}

// RematchSuggestion is one candidate container for an asset.
type RematchSuggestion struct {
	ContainerID   string     `json:"container_id"`
	ContainerName string     `json:"container_name"`
	Image         string     `json:"image"`
	Status        string     `json:"status"`
	Score         float64    `json:"match_score"`
	Confidence    Confidence `json:"confidence"`
	Reasons       []string   `json:"match_reasons"`
}

// MatchScore scores a container against an asset and returns the reasons
// that contributed. A signal applies only when both sides carry the data it
// compares.
func MatchScore(asset domain.Asset, c domain.ContainerInfo) (float64, []string) {
	var score float64
	var applicable int
	var reasons []string

	if asset.DockerImage != "" && c.Image != "" {
		applicable++
		switch {
		case asset.DockerImage == c.Image:
			score += WeightImageExact
			reasons = append(reasons, "image matches exactly")
		case ImageRepository(asset.DockerImage) == ImageRepository(c.Image):
			score += WeightImageBase
			reasons = append(reasons, "image repository matches")
		}
	}

	name := strings.ToLower(c.CleanName())
	assetName := strings.ToLower(asset.Name)
	if assetName != "" && name != "" {
		applicable++
		if strings.Contains(assetName, name) || strings.Contains(name, assetName) {
			score += WeightName
			reasons = append(reasons, "container name overlaps asset name")
		}
	}

	if hasPortSpec(asset.ContainerPorts) && c.PortMappings != "" {
		applicable++
		if portsOverlap(asset.ContainerPorts, c.PortMappings) {
			score += WeightPorts
			reasons = append(reasons, "published ports overlap")
		}
	}

	if applicable == 0 {
		return 0, nil
	}
	return score / float64(applicable), reasons
}

// IsEquivalentMatch reports whether score is high enough to rebind
// automatically.
func IsEquivalentMatch(score float64) bool {
	return score > EquivalenceThreshold
}

// SuggestContainerRematch ranks containers that may be the asset's lost
// container. Only suggestions above SuggestionThreshold are returned,
// best first.
func SuggestContainerRematch(asset domain.Asset, containers []domain.ContainerInfo) []RematchSuggestion {
	var out []RematchSuggestion
	for _, c := range containers {
		score, reasons := MatchScore(asset, c)
		if score <= SuggestionThreshold {
			continue
		}
		out = append(out, RematchSuggestion{
			ContainerID:   c.ContainerID,
			ContainerName: c.CleanName(),
			Image:         c.Image,
			Status:        c.Status,
			Score:         score,
			Confidence:    ConfidenceLevel(score),
			Reasons:       reasons,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// IsContainerMatchingAsset is the cheap test used when re-attaching state:
// the container name contains the asset name, or the images contain one
// another.
func IsContainerMatchingAsset(c domain.ContainerInfo, asset domain.Asset) bool {
	if asset.Name != "" && strings.Contains(c.CleanName(), asset.Name) {
		return true
	}
	if asset.DockerImage != "" && c.Image != "" {
		return strings.Contains(c.Image, asset.DockerImage) || strings.Contains(asset.DockerImage, c.Image)
	}
	return false
}

// FindMatchingContainer returns the first container matching the asset.
func FindMatchingContainer(asset domain.Asset, containers []domain.ContainerInfo) (domain.ContainerInfo, bool) {
	for _, c := range containers {
		if IsContainerMatchingAsset(c, asset) {
			return c, true
		}
	}
	return domain.ContainerInfo{}, false
}

func hasPortSpec(spec string) bool {
	spec = strings.TrimSpace(spec)
	return spec != "" && spec != "{}"
}

func portsOverlap(a, b string) bool {
	other := dockercli.PortNumbers(b)
	for _, p := range dockercli.PortNumbers(a) {
		if slices.Contains(other, p) {
			return true
		}
	}
	return false
}
