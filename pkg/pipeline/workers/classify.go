package workers

import (
	"context"
	"math"
	"strings"

	"github.com/provenancelab/vidproof/pkg/analysis"
)

// AI model display names used in probability maps.
const (
	modelSora   = "Sora (OpenAI)"
	modelRunway = "Runway Gen-3"
	modelVeo    = "Gemini Veo (Google)"
	modelPika   = "Pika Labs"
	modelLuma   = "Luma Dream Machine"
	modelOther  = "Other AI model"
)

// toolSignature describes a known editing or generation tool.
type toolSignature struct {
	tool            string
	encoderKeywords []string
	handlerKeywords []string
}

var knownTools = []toolSignature{
	{"Premiere Pro", []string{"adobe", "premiere"}, []string{"adobe"}},
	{"CapCut", []string{"capcut"}, []string{"capcut", "byteplus"}},
	{"DaVinci Resolve", []string{"davinci", "blackmagic"}, []string{"davinci"}},
	{"FFmpeg", []string{"lavf", "lavc"}, []string{"ffmpeg"}},
	{"Sora", []string{"openai", "sora"}, []string{"openai", "sora"}},
	{"Runway", []string{"runway"}, []string{"runway"}},
}

// Classifier folds the prior stage results into the final origin verdict.
// It is a pure rule cascade over the metadata fingerprint, the sensor
// noise statistics and the spectral signature.
type Classifier struct{}

// NewClassifier returns the classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// encoderSignals are the intermediate metadata signals the rules key off.
type encoderSignals struct {
	codec              string
	encoder            string
	isAIEncoder        bool
	isCameraEncoder    bool
	isReencode         bool
	isMinimalist       bool
	reencodeConfidence float64
	aiIndicators       []string
	hasCameraMetadata  bool
}

// Classify runs the rule cascade: hybrid, spoofed, real camera, AI AV1,
// AI HEVC, unknown — in that precedence order.
func (c *Classifier) Classify(ctx context.Context, meta *analysis.MetadataResult, prnu *analysis.PRNUResult, fft *analysis.FFTResult) (*analysis.ClassificationResult, error) {
	signals := deriveEncoderSignals(meta)
	integrity := analyzeIntegrity(meta, signals)
	timeline := buildTimeline(prnu, fft, integrity, signals)

	result := &analysis.ClassificationResult{
		ModelProbabilities: map[string]float64{},
		MetadataIntegrity:  integrity,
		Timeline:           timeline,
	}

	if timeline.Hybrid.IsHybrid && timeline.Hybrid.Confidence > 0.50 {
		result.Classification = analysis.LabelHybridContent
		result.Confidence = timeline.Hybrid.Confidence
		result.Reason = "mixed real and synthetic segments detected in the frame timeline"
		return result, nil
	}

	if spoofed, conf := classifySpoofed(integrity, signals); spoofed && conf > 0.60 {
		result.Classification = analysis.LabelSpoofedMetadata
		result.Confidence = conf
		result.Reason = "contradictory camera metadata indicates spoofing"
		return result, nil
	}

	if real, conf := classifyRealCamera(signals, prnu); real && conf > 0.60 {
		result.Classification = analysis.LabelRealCamera
		result.Confidence = conf
		result.Reason = "camera metadata and sensor noise consistent with a real capture"
		return result, nil
	}

	if av1, conf := classifyAIAV1(signals); av1 && conf > 0.60 {
		result.Classification = analysis.LabelAIAV1
		result.Confidence = conf
		result.Reason = "AV1 codec with synthetic-generation signals"
		result.ModelProbabilities = modelProbabilities(signals, meta)
		return result, nil
	}

	if hevc, conf := classifyAIHEVC(signals, meta, fft); hevc && conf > 0.60 {
		result.Classification = analysis.LabelAIHEVC
		result.Confidence = conf
		result.Reason = "HEVC codec with suspicious synthetic patterns"
		result.ModelProbabilities = modelProbabilities(signals, meta)
		return result, nil
	}

	result.Classification = analysis.LabelUnknown
	result.Confidence = 0.50
	result.Reason = "no signal reached the confidence threshold"
	return result, nil
}

func deriveEncoderSignals(meta *analysis.MetadataResult) encoderSignals {
	encoder := strings.ToLower(meta.Container.Encoder)
	codec := strings.ToLower(meta.Container.CodecName)

	s := encoderSignals{
		codec:             codec,
		encoder:           encoder,
		hasCameraMetadata: meta.Container.CameraMake != "" || meta.Container.CameraModel != "",
	}

	for _, kw := range []string{"openai", "sora", "runway", "google", "aom", "svtav1"} {
		if strings.Contains(encoder, kw) {
			s.isAIEncoder = true
			s.aiIndicators = append(s.aiIndicators, kw)
		}
	}

	if strings.Contains(encoder, "libx265") {
		s.isReencode = true
		s.reencodeConfidence = 0.95
		if !s.hasCameraMetadata {
			s.reencodeConfidence = 0.98
		}
	}
	if strings.Contains(encoder, "libx264") {
		s.isReencode = true
		s.reencodeConfidence = math.Max(s.reencodeConfidence, 0.90)
	}

	if strings.Contains(encoder, "lavf") {
		if len(strings.Fields(encoder)) <= 2 ||
			strings.Contains(encoder, "libx265") || strings.Contains(encoder, "libx264") {
			s.isMinimalist = true
		}
	}

	for _, kw := range []string{"iphone", "android", "camera", "canon", "nikon", "sony"} {
		if strings.Contains(encoder, kw) {
			s.isCameraEncoder = true
			break
		}
	}

	if codec == "av1" {
		s.aiIndicators = append(s.aiIndicators, "av1_codec")
	}

	return s
}

func analyzeIntegrity(meta *analysis.MetadataResult, s encoderSignals) analysis.MetadataIntegrity {
	handler := strings.ToLower(meta.Container.HandlerName)

	tools := []analysis.ToolSignature{}
	for _, sig := range knownTools {
		conf := 0.0
		indicator := ""
		for _, kw := range sig.encoderKeywords {
			if strings.Contains(s.encoder, kw) {
				conf += 0.4
				indicator = "encoder"
			}
		}
		for _, kw := range sig.handlerKeywords {
			if handler != "" && strings.Contains(handler, kw) {
				conf += 0.3
				indicator = "handler"
			}
		}
		if conf > 0.3 {
			tools = append(tools, analysis.ToolSignature{
				Tool:       sig.tool,
				Confidence: math.Min(conf, 0.95),
				Indicator:  indicator,
			})
		}
	}

	spoofing := detectSpoofing(meta, s)

	status := "valid"
	switch {
	case spoofing.IsSpoofed:
		status = "spoofed"
	case len(tools) > 0:
		status = "edited"
	}

	overall := spoofing.Confidence
	for _, t := range tools {
		overall = math.Max(overall, t.Confidence)
	}

	return analysis.MetadataIntegrity{
		IntegrityStatus:   status,
		ToolSignatures:    tools,
		Spoofing:          spoofing,
		OverallConfidence: round2(overall),
	}
}

// detectSpoofing looks for contradictions between the declared camera
// identity and the actual encoding chain.
func detectSpoofing(meta *analysis.MetadataResult, s encoderSignals) analysis.SpoofingAnalysis {
	var indicators []string
	confidence := 0.0

	makeTag := strings.ToLower(meta.Container.CameraMake)

	if strings.Contains(makeTag, "apple") &&
		(strings.Contains(s.encoder, "libx264") || strings.Contains(s.encoder, "libx265")) {
		indicators = append(indicators, "Apple camera make with re-encode encoder")
		confidence += 0.4
	}

	if strings.ToLower(meta.Container.MajorBrand) == "qt" && s.codec == "av1" {
		indicators = append(indicators, "QuickTime brand with AV1 codec")
		confidence += 0.3
	}

	if s.hasCameraMetadata && (strings.Contains(s.encoder, "lavf") || len(s.encoder) < 10 && s.encoder != "") {
		indicators = append(indicators, "camera metadata with minimalist encoder")
		confidence += 0.35
	}

	if makeTag == "apple" && meta.Container.CameraModel == "" {
		indicators = append(indicators, "Apple make without a specific model")
		confidence += 0.2
	}

	if s.codec == "h264" && strings.Contains(s.encoder, "libx265") {
		indicators = append(indicators, "H.264 codec with HEVC encoder tag")
		confidence += 0.25
	}

	return analysis.SpoofingAnalysis{
		IsSpoofed:         confidence > 0.4,
		Confidence:        round2(math.Min(confidence, 0.95)),
		SpoofIndicators:   indicators,
		HasCameraMetadata: s.hasCameraMetadata,
		HasContradictions: len(indicators) > 0,
	}
}

// buildTimeline reconciles the per-window PRNU verdicts with the global
// FFT and metadata signals into a frame timeline.
func buildTimeline(prnu *analysis.PRNUResult, fft *analysis.FFTResult, integrity analysis.MetadataIntegrity, s encoderSignals) analysis.TimelineAnalysis {
	out := analysis.TimelineAnalysis{
		Timeline: []analysis.FrameVerdict{},
	}
	if prnu == nil {
		return out
	}

	hasAIPattern := fft != nil && fft.PeriodicArtifacts
	aiConfidence := 0.0
	if fft != nil {
		aiConfidence = 1 - fft.DiffusionScore
	}

	var realCount, aiCount, uncertainCount int
	var prevVerdict string
	var transitions []int

	for _, frame := range prnu.FrameAnalysis {
		scores := map[string]float64{"real_camera": 0, "ai": 0, "spoofed_metadata": 0}

		if frame.CameraLikelihood > 0.5 {
			scores["real_camera"] += frame.CameraLikelihood * 0.4
		} else {
			scores["ai"] += (1 - frame.CameraLikelihood) * 0.4
		}
		if hasAIPattern {
			scores["ai"] += aiConfidence * 0.3
		}
		if integrity.Spoofing.IsSpoofed {
			scores["spoofed_metadata"] += 0.3
		}
		if s.isReencode && !s.isCameraEncoder {
			scores["ai"] += 0.1
		}

		verdict := "unknown"
		best := 0.0
		for label, score := range scores {
			if score > best {
				best = score
				verdict = label
			}
		}

		switch verdict {
		case "real_camera":
			realCount++
		case "ai":
			aiCount++
		default:
			uncertainCount++
		}

		if prevVerdict != "" && verdict != prevVerdict {
			transitions = append(transitions, frame.Frame)
		}
		prevVerdict = verdict

		out.Timeline = append(out.Timeline, analysis.FrameVerdict{
			Frame:      frame.Frame,
			Verdict:    verdict,
			Confidence: round2(math.Min(best, 0.95)),
		})
	}

	total := len(out.Timeline)
	dominant := "unknown"
	switch {
	case realCount > aiCount && realCount > uncertainCount:
		dominant = "real_camera"
	case aiCount > realCount && aiCount > uncertainCount:
		dominant = "ai"
	}

	// Hybrid means a significant share of both verdicts, not stray
	// single-frame flips.
	isHybrid := false
	hybridConf := 0.0
	if total > 0 {
		realPct := float64(realCount) / float64(total)
		aiPct := float64(aiCount) / float64(total)
		if realPct >= 0.25 && aiPct >= 0.25 {
			isHybrid = true
			hybridConf = round2(math.Min(realPct+aiPct, 0.95))
		}
	}

	out.Hybrid = analysis.HybridAnalysis{
		IsHybrid:         isHybrid,
		Confidence:       hybridConf,
		TransitionPoints: transitions,
	}
	out.Summary = analysis.TimelineSummary{
		RealFrames:      realCount,
		AIFrames:        aiCount,
		UncertainFrames: uncertainCount,
		DominantVerdict: dominant,
	}
	return out
}

func classifySpoofed(integrity analysis.MetadataIntegrity, s encoderSignals) (bool, float64) {
	if integrity.Spoofing.IsSpoofed {
		return true, integrity.Spoofing.Confidence
	}
	if s.hasCameraMetadata && s.isReencode && s.reencodeConfidence > 0.90 {
		return true, 0.75
	}
	return false, 0
}

func classifyRealCamera(s encoderSignals, prnu *analysis.PRNUResult) (bool, float64) {
	if s.hasCameraMetadata {
		conf := 0.85
		if prnu != nil && prnu.LikelyCameraOrigin {
			conf = 0.95
		}
		return true, conf
	}

	if s.codec == "h264" && !s.isAIEncoder {
		if s.isCameraEncoder {
			return true, 0.75
		}
		if !s.isReencode {
			conf := 0.60
			if prnu != nil && prnu.LikelyCameraOrigin {
				conf = 0.70
			}
			return true, conf
		}
	}
	return false, 0
}

func classifyAIAV1(s encoderSignals) (bool, float64) {
	if s.codec != "av1" {
		return false, 0
	}

	confidence := 0.70
	if contains(s.aiIndicators, "google") || contains(s.aiIndicators, "aom") {
		confidence = 0.90
	} else if contains(s.aiIndicators, "av1_codec") {
		confidence = 0.85
	}
	if !s.hasCameraMetadata {
		confidence = math.Min(confidence+0.10, 0.95)
	}
	return true, confidence
}

func classifyAIHEVC(s encoderSignals, meta *analysis.MetadataResult, fft *analysis.FFTResult) (bool, float64) {
	if s.codec != "hevc" {
		return false, 0
	}

	confidence := 0.50
	if len(s.aiIndicators) > 0 {
		confidence = 0.80
	}
	if !s.hasCameraMetadata {
		confidence += 0.15
	}
	if s.isReencode {
		if s.reencodeConfidence > 0.95 && !s.hasCameraMetadata {
			confidence += 0.15
		} else if s.reencodeConfidence > 0.90 {
			confidence += 0.08
		}
	}
	if s.isMinimalist {
		confidence += 0.12
	}

	gop := meta.Fingerprint.GOP
	if gop.Regularity > 0.80 {
		confidence += 0.12
	} else if gop.Regularity > 0.60 {
		confidence += 0.08
	}
	if meta.Fingerprint.QP.Pattern == "suspicious_minimal" {
		confidence += 0.10
	}
	if fft != nil && fft.PeriodicArtifacts {
		confidence += 0.08
	}

	confidence = math.Min(confidence, 0.95)
	if s.hasCameraMetadata {
		confidence = math.Max(confidence-0.30, 0.20)
	}
	return confidence > 0.40, round2(confidence)
}

// modelProbabilities scores which generator most likely produced an
// AI-classified video.
func modelProbabilities(s encoderSignals, meta *analysis.MetadataResult) map[string]float64 {
	probs := map[string]float64{
		modelSora:   0,
		modelRunway: 0,
		modelVeo:    0,
		modelPika:   0,
		modelLuma:   0,
		modelOther:  0,
	}

	if s.codec == "av1" {
		probs[modelVeo] = 0.70
		if contains(s.aiIndicators, "google") || contains(s.aiIndicators, "aom") {
			probs[modelVeo] = 0.90
		}
	}

	if s.codec == "hevc" {
		soraScore := 0.0
		if s.isMinimalist {
			soraScore += 0.30
		}
		if s.isReencode && s.reencodeConfidence > 0.95 {
			soraScore += 0.20
		}
		if meta.Fingerprint.GOP.Regularity > 0.80 {
			soraScore += 0.15
		}
		if contains(s.aiIndicators, "sora") || contains(s.aiIndicators, "openai") {
			soraScore = 0.90
		}
		probs[modelSora] = math.Min(soraScore, 0.95)

		runwayScore := 0.0
		if contains(s.aiIndicators, "runway") {
			runwayScore = 0.90
		} else if !s.isMinimalist {
			runwayScore = 0.40
		}
		probs[modelRunway] = math.Min(runwayScore, 0.85)

		if contains(s.aiIndicators, "pika") {
			probs[modelPika] = 0.85
		}
		if contains(s.aiIndicators, "luma") {
			probs[modelLuma] = 0.85
		}
	}

	maxProb := 0.0
	total := 0.0
	for _, p := range probs {
		total += p
		if p > maxProb {
			maxProb = p
		}
	}
	if maxProb > 0.5 && total > 1.0 {
		for m := range probs {
			probs[m] = round2(probs[m] / total)
		}
		maxProb = 0
		for _, p := range probs {
			if p > maxProb {
				maxProb = p
			}
		}
	}
	if maxProb < 0.50 {
		probs[modelOther] = 0.60
	}
	return probs
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
