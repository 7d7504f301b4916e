package pipeline

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/provenancelab/vidproof/pkg/analysis"
)

// Report is the forensic report file content. The key set is the external
// contract consumed by downstream tooling; every field is emitted even
// when null.
type Report struct {
	File             string                      `json:"file"`
	FilePath         string                      `json:"file_path"`
	Codec            string                      `json:"codec"`
	Encoder          string                      `json:"encoder"`
	MajorBrand       string                      `json:"major_brand"`
	CompatibleBrands []string                    `json:"compatible_brands"`
	Duration         float64                     `json:"duration"`
	BitRate          int64                       `json:"bit_rate"`
	FrameRate        string                      `json:"frame_rate"`
	Width            int                         `json:"width"`
	Height           int                         `json:"height"`
	GOPEstimate      int                         `json:"gop_estimate"`
	QPPattern        string                      `json:"qp_pattern"`
	Classification   string                      `json:"classification"`
	Confidence       float64                     `json:"confidence"`
	ConfidenceLevel  string                      `json:"confidence_level"`
	Reason           string                      `json:"reason"`
	MostLikelyModel  *string                     `json:"most_likely_model"`
	ModelProbs       map[string]float64          `json:"model_probabilities"`
	PRNUAnalysis     *analysis.PRNUResult        `json:"prnu_analysis"`
	FFTAnalysis      *analysis.FFTResult         `json:"fft_analysis"`
	Integrity        *analysis.MetadataIntegrity `json:"metadata_integrity"`
	Timeline         []analysis.FrameVerdict     `json:"timeline"`
	HybridAnalysis   *analysis.HybridAnalysis    `json:"hybrid_analysis"`
	TimelineSummary  *analysis.TimelineSummary   `json:"timeline_summary"`
	ToolSignatures   []analysis.ToolSignature    `json:"tool_signatures"`
	Fingerprint      *analysis.Fingerprint       `json:"fingerprint"`
}

// ComposeReport folds the stage results into the report document.
func ComposeReport(originalPath string, meta *analysis.MetadataResult, prnu *analysis.PRNUResult, fft *analysis.FFTResult, cls *analysis.ClassificationResult) (*Report, error) {
	if meta == nil || cls == nil {
		return nil, fmt.Errorf("report requires metadata and classification results")
	}

	r := &Report{
		File:             filepath.Base(originalPath),
		FilePath:         originalPath,
		Codec:            meta.Container.CodecName,
		Encoder:          meta.Container.Encoder,
		MajorBrand:       meta.Container.MajorBrand,
		CompatibleBrands: meta.Container.CompatibleBrands,
		Duration:         meta.Container.Duration,
		BitRate:          meta.Container.BitRate,
		FrameRate:        meta.Container.FrameRate,
		Width:            meta.Container.Width,
		Height:           meta.Container.Height,
		GOPEstimate:      meta.Fingerprint.GOP.GOPSize,
		QPPattern:        meta.Fingerprint.QP.Pattern,
		Classification:   cls.Classification,
		Confidence:       cls.Confidence,
		ConfidenceLevel:  ConfidenceLevel(cls.Confidence),
		Reason:           cls.Reason,
		MostLikelyModel:  mostLikelyModel(cls.ModelProbabilities),
		ModelProbs:       cls.ModelProbabilities,
		PRNUAnalysis:     prnu,
		FFTAnalysis:      fft,
		Integrity:        &cls.MetadataIntegrity,
		Timeline:         cls.Timeline.Timeline,
		HybridAnalysis:   &cls.Timeline.Hybrid,
		TimelineSummary:  &cls.Timeline.Summary,
		ToolSignatures:   cls.MetadataIntegrity.ToolSignatures,
		Fingerprint:      &meta.Fingerprint,
	}

	if r.CompatibleBrands == nil {
		r.CompatibleBrands = []string{}
	}
	if r.Timeline == nil {
		r.Timeline = []analysis.FrameVerdict{}
	}
	if r.ToolSignatures == nil {
		r.ToolSignatures = []analysis.ToolSignature{}
	}
	if r.ModelProbs == nil {
		r.ModelProbs = map[string]float64{}
	}

	return r, nil
}

// Encode renders the report as indented JSON.
func (r *Report) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return data, nil
}

// ConfidenceLevel buckets a confidence value into the reporting scale.
func ConfidenceLevel(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return "alta"
	case confidence >= 0.6:
		return "média"
	default:
		return "baixa"
	}
}

// mostLikelyModel returns the highest-probability generator, or nil when
// no model stands out.
func mostLikelyModel(probs map[string]float64) *string {
	var best string
	bestP := 0.0
	for model, p := range probs {
		if p > bestP {
			best = model
			bestP = p
		}
	}
	if best == "" {
		return nil
	}
	return &best
}
