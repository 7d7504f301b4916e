package analysis

import (
	"encoding/json"
	"fmt"
)

// ContainerMetadata is what the metadata_extraction worker reads from the
// container via ffprobe. Field names follow the probe output so the stored
// blob round-trips without translation.
type ContainerMetadata struct {
	CodecName        string   `json:"codec_name,omitempty"`
	Encoder          string   `json:"encoder,omitempty"`
	MajorBrand       string   `json:"major_brand,omitempty"`
	CompatibleBrands []string `json:"compatible_brands,omitempty"`
	Duration         float64  `json:"duration,omitempty"`
	BitRate          int64    `json:"bit_rate,omitempty"`
	FrameRate        string   `json:"r_frame_rate,omitempty"`
	Width            int      `json:"width,omitempty"`
	Height           int      `json:"height,omitempty"`
	CreationTime     string   `json:"creation_time,omitempty"`
	HandlerName      string   `json:"handler_name,omitempty"`
	CameraMake       string   `json:"make,omitempty"`
	CameraModel      string   `json:"model,omitempty"`
}

// GOPAnalysis estimates group-of-pictures structure from packet spacing.
type GOPAnalysis struct {
	GOPSize    int     `json:"gop_size"`
	Regularity float64 `json:"regularity"`
}

// QPAnalysis summarizes the quantization pattern heuristic.
type QPAnalysis struct {
	Pattern  string  `json:"pattern"`
	Variance float64 `json:"variance"`
}

// Fingerprint is the encoder fingerprint derived from container metadata
// and GOP/QP estimates; the classifier keys off it.
type Fingerprint struct {
	Codec      string      `json:"codec"`
	Encoder    string      `json:"encoder"`
	MajorBrand string      `json:"major_brand"`
	GOP        GOPAnalysis `json:"gop_analysis"`
	QP         QPAnalysis  `json:"qp_analysis"`
}

// MetadataResult is the metadata_extraction stage result.
type MetadataResult struct {
	Container   ContainerMetadata `json:"metadata"`
	Fingerprint Fingerprint       `json:"fingerprint"`
}

// FramePRNU is one frame window's sensor-noise measurement.
type FramePRNU struct {
	Frame            int     `json:"frame"`
	NoiseCorrelation float64 `json:"noise_correlation"`
	CameraLikelihood float64 `json:"camera_likelihood"`
}

// PRNUResult is the prnu stage result: photo-response non-uniformity
// statistics used as a camera-origin signal.
type PRNUResult struct {
	MeanNoiseCorrelation float64     `json:"mean_noise_correlation"`
	ConsistencyScore     float64     `json:"consistency_score"`
	LikelyCameraOrigin   bool        `json:"likely_camera_origin"`
	FrameAnalysis        []FramePRNU `json:"frame_analysis"`
}

// JitterAnalysis summarizes inter-frame timing variance.
type JitterAnalysis struct {
	MeanJitter float64 `json:"mean_jitter"`
	MaxJitter  float64 `json:"max_jitter"`
	Uniform    bool    `json:"uniform"`
}

// FFTResult is the fft stage result: temporal-spectral diffusion signature.
type FFTResult struct {
	DiffusionScore    float64        `json:"diffusion_score"`
	PeriodicArtifacts bool           `json:"periodic_artifacts"`
	DominantFrequency float64        `json:"dominant_frequency"`
	Jitter            JitterAnalysis `json:"jitter_analysis"`
}

// ToolSignature marks a known editing/generation tool found in metadata.
type ToolSignature struct {
	Tool       string  `json:"tool"`
	Confidence float64 `json:"confidence"`
	Indicator  string  `json:"indicator"`
}

// SpoofingAnalysis reports metadata contradiction checks.
type SpoofingAnalysis struct {
	IsSpoofed         bool     `json:"is_spoofed"`
	Confidence        float64  `json:"confidence"`
	SpoofIndicators   []string `json:"spoof_indicators"`
	HasCameraMetadata bool     `json:"has_camera_metadata"`
	HasContradictions bool     `json:"has_contradictions"`
}

// MetadataIntegrity aggregates the metadata-integrity analysis.
type MetadataIntegrity struct {
	IntegrityStatus   string           `json:"integrity_status"`
	ToolSignatures    []ToolSignature  `json:"tool_signatures"`
	Spoofing          SpoofingAnalysis `json:"spoofing_analysis"`
	OverallConfidence float64          `json:"overall_confidence"`
}

// FrameVerdict is one entry of the hybrid timeline: a per-frame-window
// origin verdict reconciled from the PRNU and FFT signals.
type FrameVerdict struct {
	Frame      int     `json:"frame"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

// HybridAnalysis flags mixed real/AI content.
type HybridAnalysis struct {
	IsHybrid         bool    `json:"is_hybrid"`
	Confidence       float64 `json:"confidence"`
	TransitionPoints []int   `json:"transition_points"`
}

// TimelineSummary aggregates the per-frame verdicts.
type TimelineSummary struct {
	RealFrames      int    `json:"real_frames"`
	AIFrames        int    `json:"ai_frames"`
	UncertainFrames int    `json:"uncertain_frames"`
	DominantVerdict string `json:"dominant_verdict"`
}

// TimelineAnalysis is the hybrid-timeline reconciliation computed between
// the fft and classification stages.
type TimelineAnalysis struct {
	Timeline []FrameVerdict  `json:"timeline"`
	Hybrid   HybridAnalysis  `json:"hybrid_analysis"`
	Summary  TimelineSummary `json:"summary"`
}

// ClassificationResult is the classification stage result. It folds in the
// metadata-integrity and timeline analyses that feed the final label.
type ClassificationResult struct {
	Classification     string             `json:"classification"`
	Confidence         float64            `json:"confidence"`
	Reason             string             `json:"reason"`
	ModelProbabilities map[string]float64 `json:"model_probabilities"`
	MetadataIntegrity  MetadataIntegrity  `json:"metadata_integrity"`
	Timeline           TimelineAnalysis   `json:"timeline_analysis"`
}

// CleaningResult is the cleaning stage result. Skipped is set when the
// external encoder is unavailable; that still completes the stage.
type CleaningResult struct {
	Skipped             bool   `json:"skipped,omitempty"`
	Reason              string `json:"reason,omitempty"`
	CleanVideoGenerated bool   `json:"clean_video_generated,omitempty"`
	CleanVideoID        string `json:"clean_video_id,omitempty"`
	CDNURL              string `json:"cdn_url,omitempty"`
}

// StageResult is a closed tagged sum over the per-stage result shapes.
// Exactly one field is non-nil for a completed stage that produces one.
type StageResult struct {
	Metadata       *MetadataResult
	PRNU           *PRNUResult
	FFT            *FFTResult
	Classification *ClassificationResult
	Cleaning       *CleaningResult
}

// Payload marshals the single populated variant. The stage row stores the
// variant directly, without a wrapper object.
func (r *StageResult) Payload() (json.RawMessage, error) {
	if r == nil {
		return nil, nil
	}
	switch {
	case r.Metadata != nil:
		return json.Marshal(r.Metadata)
	case r.PRNU != nil:
		return json.Marshal(r.PRNU)
	case r.FFT != nil:
		return json.Marshal(r.FFT)
	case r.Classification != nil:
		return json.Marshal(r.Classification)
	case r.Cleaning != nil:
		return json.Marshal(r.Cleaning)
	}
	return nil, fmt.Errorf("stage result has no variant set")
}
