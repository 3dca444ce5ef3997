package orchestrator

import (
	"fmt"
	"strings"

	"modelforge/internal/domain"
)

var qualityDescriptions = map[string]string{
	"low":    "simple design",
	"medium": "balanced detail",
	"high":   "highly detailed, professional quality",
}

// EnrichPrompt appends the structured generation hints to a text prompt as a
// trailing clause. A prompt with no hints is returned unchanged.
func EnrichPrompt(prompt string, opts domain.GenerationOptions) string {
	var details []string

	if opts.WidthCM > 0 || opts.HeightCM > 0 || opts.DepthCM > 0 {
		var dims []string
		if opts.WidthCM > 0 {
			dims = append(dims, fmt.Sprintf("width %dcm", opts.WidthCM))
		}
		if opts.HeightCM > 0 {
			dims = append(dims, fmt.Sprintf("height %dcm", opts.HeightCM))
		}
		if opts.DepthCM > 0 {
			dims = append(dims, fmt.Sprintf("depth %dcm", opts.DepthCM))
		}
		details = append(details, "dimensions: "+strings.Join(dims, ", "))
	}

	if opts.Material != "" {
		details = append(details, "material: "+opts.Material)
	}
	if opts.Color != "" {
		details = append(details, "color: "+opts.Color)
	}
	if opts.Style != "" {
		details = append(details, "style: "+opts.Style)
	}
	if desc, ok := qualityDescriptions[opts.Quality]; ok {
		details = append(details, desc)
	}
	if opts.Texture {
		details = append(details, "with realistic textures and surface details")
	}

	if len(details) == 0 {
		return prompt
	}
	return prompt + ". " + strings.Join(details, ", ") + "."
}
