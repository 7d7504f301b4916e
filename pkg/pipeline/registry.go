// Package pipeline drives a job through its fixed stage sequence: the
// registry declares the stages and their worker bindings, the executor
// owns the state machine, and the publisher turns produced files into
// durable job-attached artifacts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/provenancelab/vidproof/pkg/analysis"
	"github.com/provenancelab/vidproof/pkg/pipeline/workers"
)

// Input is what the executor materializes for a worker: the original file
// plus the typed results of prior completed stages.
type Input struct {
	Job          *analysis.Job
	OriginalPath string
	OriginalName string
	MediaType    string

	// WorkDir is a job-partitioned scratch directory for stages that
	// produce files.
	WorkDir string

	Metadata       *analysis.MetadataResult
	PRNU           *analysis.PRNUResult
	FFT            *analysis.FFTResult
	Classification *analysis.ClassificationResult
}

// ProducedFile describes a file artifact a worker yielded.
type ProducedFile struct {
	Kind      analysis.FileKind
	LocalPath string
	Filename  string
	MediaType string
}

// Output is a worker's return value: its typed result and, for producing
// stages, the file it wrote.
type Output struct {
	Result *analysis.StageResult
	File   *ProducedFile
}

// WorkerFunc runs one stage. Workers are pure with respect to storage:
// they read from Input and return values; the executor persists.
type WorkerFunc func(ctx context.Context, in *Input) (*Output, error)

// Entry declares one stage of the pipeline.
type Entry struct {
	Name analysis.StageName
	// Consumes lists the prior stage results the worker reads.
	Consumes []analysis.StageName
	// Produces is the file kind the stage yields, if any.
	Produces analysis.FileKind
	// Optional stages may complete as skipped when the worker signals
	// the environment is unavailable.
	Optional bool
	Run      WorkerFunc
}

// Registry is the compile-time ordered stage list with worker bindings.
type Registry struct {
	entries []Entry
}

// NewRegistry binds the stage workers. The upload stage carries no worker:
// it is completed at job creation.
func NewRegistry(probePath, encoderPath string, log zerolog.Logger) *Registry {
	prober := workers.NewProber(probePath, log)
	prnu := workers.NewPRNUDetector()
	fft := workers.NewFFTAnalyzer()
	classifier := workers.NewClassifier()
	cleaner := workers.NewCleaner(encoderPath, log)

	return &Registry{entries: []Entry{
		{
			Name: analysis.StageUpload,
		},
		{
			Name: analysis.StageMetadataExtraction,
			Run: func(ctx context.Context, in *Input) (*Output, error) {
				result, err := prober.Extract(ctx, in.OriginalPath)
				if err != nil {
					return nil, err
				}
				return &Output{Result: &analysis.StageResult{Metadata: result}}, nil
			},
		},
		{
			Name: analysis.StagePRNU,
			Run: func(ctx context.Context, in *Input) (*Output, error) {
				result, err := prnu.Analyze(ctx, in.OriginalPath)
				if err != nil {
					return nil, err
				}
				return &Output{Result: &analysis.StageResult{PRNU: result}}, nil
			},
		},
		{
			Name: analysis.StageFFT,
			Run: func(ctx context.Context, in *Input) (*Output, error) {
				result, err := fft.Analyze(ctx, in.OriginalPath)
				if err != nil {
					return nil, err
				}
				return &Output{Result: &analysis.StageResult{FFT: result}}, nil
			},
		},
		{
			Name:     analysis.StageClassification,
			Consumes: []analysis.StageName{analysis.StageMetadataExtraction, analysis.StagePRNU, analysis.StageFFT},
			Run: func(ctx context.Context, in *Input) (*Output, error) {
				if in.Metadata == nil {
					return nil, fmt.Errorf("classification requires the metadata result")
				}
				result, err := classifier.Classify(ctx, in.Metadata, in.PRNU, in.FFT)
				if err != nil {
					return nil, err
				}
				return &Output{Result: &analysis.StageResult{Classification: result}}, nil
			},
		},
		{
			Name:     analysis.StageCleaning,
			Consumes: []analysis.StageName{analysis.StageMetadataExtraction},
			Produces: analysis.FileCleanVideo,
			Optional: true,
			Run: func(ctx context.Context, in *Input) (*Output, error) {
				filename := "clean_" + in.OriginalName
				outputPath := filepath.Join(in.WorkDir, filename)

				err := cleaner.Clean(ctx, in.OriginalPath, outputPath)
				if errors.Is(err, workers.ErrEncoderUnavailable) {
					return &Output{Result: &analysis.StageResult{Cleaning: &analysis.CleaningResult{
						Skipped: true,
						Reason:  "encoder unavailable",
					}}}, nil
				}
				if err != nil {
					return nil, err
				}

				return &Output{
					Result: &analysis.StageResult{Cleaning: &analysis.CleaningResult{
						CleanVideoGenerated: true,
					}},
					File: &ProducedFile{
						Kind:      analysis.FileCleanVideo,
						LocalPath: outputPath,
						Filename:  filename,
						MediaType: in.MediaType,
					},
				}, nil
			},
		},
	}}
}

// NewRegistryWithEntries builds a registry from an explicit stage list,
// for callers that bind their own workers.
func NewRegistryWithEntries(entries []Entry) *Registry {
	return &Registry{entries: entries}
}

// Entries returns the stages in execution order.
func (r *Registry) Entries() []Entry {
	return r.entries
}

// Entry looks a stage up by name.
func (r *Registry) Entry(name analysis.StageName) (Entry, bool) {
	for _, e := range r.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}
