package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenancelab/vidproof/pkg/analysis"
)

func TestConfidenceLevel(t *testing.T) {
	assert.Equal(t, "alta", ConfidenceLevel(0.95))
	assert.Equal(t, "alta", ConfidenceLevel(0.8))
	assert.Equal(t, "média", ConfidenceLevel(0.79))
	assert.Equal(t, "média", ConfidenceLevel(0.6))
	assert.Equal(t, "baixa", ConfidenceLevel(0.59))
	assert.Equal(t, "baixa", ConfidenceLevel(0))
}

func TestComposeReport_RequiresCoreResults(t *testing.T) {
	_, err := ComposeReport("/tmp/v.mp4", nil, samplePRNU(), sampleFFT(), sampleClassification())
	assert.Error(t, err)

	_, err = ComposeReport("/tmp/v.mp4", sampleMetadata(), samplePRNU(), sampleFFT(), nil)
	assert.Error(t, err)
}

func TestComposeReport_NormalizesEmptyCollections(t *testing.T) {
	cls := sampleClassification()
	cls.ModelProbabilities = nil

	report, err := ComposeReport("/data/uploads/v.mp4", sampleMetadata(), nil, nil, cls)
	require.NoError(t, err)

	assert.Equal(t, "v.mp4", report.File)
	assert.Equal(t, "/data/uploads/v.mp4", report.FilePath)
	assert.NotNil(t, report.CompatibleBrands)
	assert.NotNil(t, report.Timeline)
	assert.NotNil(t, report.ToolSignatures)
	assert.NotNil(t, report.ModelProbs)
	assert.Nil(t, report.MostLikelyModel)

	// Optional analyses absent from the run render as JSON null, never as
	// missing keys.
	data, err := report.Encode()
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Contains(t, doc, "prnu_analysis")
	assert.Nil(t, doc["prnu_analysis"])
	require.Contains(t, doc, "fft_analysis")
	assert.Nil(t, doc["fft_analysis"])
	require.Contains(t, doc, "most_likely_model")
	assert.Nil(t, doc["most_likely_model"])
}

func TestComposeReport_PicksHighestProbabilityModel(t *testing.T) {
	cls := sampleClassification()
	cls.ModelProbabilities = map[string]float64{
		"Sora (OpenAI)":      0.35,
		"Runway Gen-3":       0.55,
		"Luma Dream Machine": 0.10,
	}

	report, err := ComposeReport("/tmp/v.mp4", sampleMetadata(), samplePRNU(), sampleFFT(), cls)
	require.NoError(t, err)
	require.NotNil(t, report.MostLikelyModel)
	assert.Equal(t, "Runway Gen-3", *report.MostLikelyModel)

	assert.Equal(t, 60, report.GOPEstimate)
	assert.Equal(t, "encoder_based", report.QPPattern)
	assert.Equal(t, analysis.LabelAIHEVC, report.Classification)
}
