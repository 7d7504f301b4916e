// Package workers holds the stage workers of the analysis pipeline. Each
// worker reads the original video (and prior stage results) and returns a
// typed result; the executor owns all persistence.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/provenancelab/vidproof/pkg/analysis"
)

// Prober extracts container metadata and the encoder fingerprint via the
// external probe binary.
type Prober struct {
	probePath string
	log       zerolog.Logger
}

// NewProber binds the prober to the configured binary.
func NewProber(probePath string, log zerolog.Logger) *Prober {
	return &Prober{
		probePath: probePath,
		log:       log.With().Str("worker", "metadata_extraction").Logger(),
	}
}

// probeOutput mirrors the probe's JSON output.
type probeOutput struct {
	Streams []struct {
		CodecType  string            `json:"codec_type"`
		CodecName  string            `json:"codec_name"`
		Width      int               `json:"width"`
		Height     int               `json:"height"`
		RFrameRate string            `json:"r_frame_rate"`
		Tags       map[string]string `json:"tags"`
	} `json:"streams"`
	Format struct {
		Duration string            `json:"duration"`
		BitRate  string            `json:"bit_rate"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
}

// Extract probes the container and derives the encoder fingerprint.
func (p *Prober) Extract(ctx context.Context, videoPath string) (*analysis.MetadataResult, error) {
	out, err := exec.CommandContext(ctx, p.probePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		videoPath,
	).Output()
	if err != nil {
		return nil, fmt.Errorf("probe failed: %w", err)
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode probe output: %w", err)
	}

	meta := analysis.ContainerMetadata{}

	// Camera tags can live on the format or on the video stream; merge
	// both, stream tags winning.
	allTags := make(map[string]string, len(probe.Format.Tags))
	for k, v := range probe.Format.Tags {
		allTags[k] = v
	}

	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		meta.CodecName = s.CodecName
		meta.Width = s.Width
		meta.Height = s.Height
		meta.FrameRate = s.RFrameRate
		meta.HandlerName = s.Tags["handler_name"]
		for k, v := range s.Tags {
			allTags[k] = v
		}
		break
	}

	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		meta.Duration = d
	}
	if br, err := strconv.ParseInt(probe.Format.BitRate, 10, 64); err == nil {
		meta.BitRate = br
	}

	meta.Encoder = allTags["encoder"]
	meta.MajorBrand = allTags["major_brand"]
	if brands := allTags["compatible_brands"]; brands != "" {
		meta.CompatibleBrands = splitBrands(brands)
	}
	meta.CreationTime = allTags["creation_time"]
	meta.CameraMake = firstTag(allTags, "Make", "make", "com.apple.quicktime.make")
	meta.CameraModel = firstTag(allTags, "Model", "model", "com.apple.quicktime.model")

	gop, err := p.estimateGOP(ctx, videoPath)
	if err != nil {
		p.log.Warn().Err(err).Msg("GOP estimation failed, using defaults")
		gop = analysis.GOPAnalysis{}
	}

	return &analysis.MetadataResult{
		Container: meta,
		Fingerprint: analysis.Fingerprint{
			Codec:      meta.CodecName,
			Encoder:    meta.Encoder,
			MajorBrand: meta.MajorBrand,
			GOP:        gop,
			QP:         analyzeQPPattern(meta),
		},
	}, nil
}

// estimateGOP reads keyframe flags from the first packets and measures the
// spacing between keyframes and its regularity.
func (p *Prober) estimateGOP(ctx context.Context, videoPath string) (analysis.GOPAnalysis, error) {
	out, err := exec.CommandContext(ctx, p.probePath,
		"-v", "quiet",
		"-select_streams", "v:0",
		"-show_entries", "packet=flags",
		"-print_format", "csv",
		"-read_intervals", "%+#600",
		videoPath,
	).Output()
	if err != nil {
		return analysis.GOPAnalysis{}, fmt.Errorf("packet probe failed: %w", err)
	}

	var keyIndexes []int
	for i, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.Contains(line, "K") {
			keyIndexes = append(keyIndexes, i)
		}
	}
	if len(keyIndexes) < 2 {
		return analysis.GOPAnalysis{}, nil
	}

	gaps := make([]float64, 0, len(keyIndexes)-1)
	var sum float64
	for i := 1; i < len(keyIndexes); i++ {
		g := float64(keyIndexes[i] - keyIndexes[i-1])
		gaps = append(gaps, g)
		sum += g
	}
	mean := sum / float64(len(gaps))

	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))

	// Coefficient of variation near zero means a rigidly regular GOP,
	// which real cameras rarely produce.
	regularity := 0.0
	if mean > 0 {
		cv := math.Sqrt(variance) / mean
		regularity = 1 - math.Min(cv, 1)
	}

	return analysis.GOPAnalysis{
		GOPSize:    int(math.Round(mean)),
		Regularity: round2(regularity),
	}, nil
}

// analyzeQPPattern infers the quantization pattern from encoder and codec
// when no direct QP statistics are available.
func analyzeQPPattern(meta analysis.ContainerMetadata) analysis.QPAnalysis {
	encoder := strings.ToLower(meta.Encoder)
	codec := strings.ToLower(meta.CodecName)

	qp := analysis.QPAnalysis{Pattern: "unknown"}
	if strings.Contains(encoder, "lavf") || strings.Contains(encoder, "libx265") {
		qp.Pattern = "encoder_based"
	} else if codec == "hevc" && encoder == "" {
		qp.Pattern = "suspicious_minimal"
	}
	return qp
}

func firstTag(tags map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := tags[k]; v != "" {
			return v
		}
	}
	return ""
}

func splitBrands(brands string) []string {
	var out []string
	for i := 0; i+4 <= len(brands); i += 4 {
		out = append(out, brands[i:i+4])
	}
	if len(out) == 0 && brands != "" {
		out = []string{brands}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
