package orchestrator

import (
	"testing"

	"modelforge/internal/domain"
)

func TestEnrichPrompt(t *testing.T) {
	cases := []struct {
		name   string
		prompt string
		opts   domain.GenerationOptions
		want   string
	}{
		{
			"no hints",
			"a wooden chair",
			domain.GenerationOptions{},
			"a wooden chair",
		},
		{
			"unknown quality ignored",
			"a wooden chair",
			domain.GenerationOptions{Quality: "ultra"},
			"a wooden chair",
		},
		{
			"all dimensions",
			"a cabinet",
			domain.GenerationOptions{WidthCM: 80, HeightCM: 120, DepthCM: 40},
			"a cabinet. dimensions: width 80cm, height 120cm, depth 40cm.",
		},
		{
			"partial dimensions",
			"a shelf",
			domain.GenerationOptions{HeightCM: 200},
			"a shelf. dimensions: height 200cm.",
		},
		{
			"material color style",
			"a lamp",
			domain.GenerationOptions{Material: "brass", Color: "gold", Style: "art deco"},
			"a lamp. material: brass, color: gold, style: art deco.",
		},
		{
			"quality and texture",
			"a vase",
			domain.GenerationOptions{Quality: "high", Texture: true},
			"a vase. highly detailed, professional quality, with realistic textures and surface details.",
		},
		{
			"low quality",
			"a mug",
			domain.GenerationOptions{Quality: "low"},
			"a mug. simple design.",
		},
		{
			"medium quality",
			"a mug",
			domain.GenerationOptions{Quality: "medium"},
			"a mug. balanced detail.",
		},
		{
			"everything",
			"a table",
			domain.GenerationOptions{
				WidthCM: 100, HeightCM: 75,
				Material: "oak", Color: "natural", Style: "scandinavian",
				Quality: "medium", Texture: true,
			},
			"a table. dimensions: width 100cm, height 75cm, material: oak, color: natural, style: scandinavian, balanced detail, with realistic textures and surface details.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EnrichPrompt(tc.prompt, tc.opts); got != tc.want {
				t.Fatalf("EnrichPrompt = %q, want %q", got, tc.want)
			}
		})
	}
}
