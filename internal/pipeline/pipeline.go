// Package pipeline assembles the ordered stage lists that turn an uploaded
// requirements document into generated test scenarios.
//
// Two variants exist: standard runs the full analysis chain, quick skips the
// analysis passes and generates scenarios directly. Per-job toggles remove
// optional stages from the standard chain.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"scenarioforge/internal/queue"
	"scenarioforge/internal/services"
	"scenarioforge/internal/services/extract"
	"scenarioforge/internal/services/llm"
	"scenarioforge/internal/stage"
)

// Variant names accepted in a job config.
const (
	VariantStandard = "standard"
	VariantQuick    = "quick"
)

// Stage names, in chain order.
const (
	StageExtract       = "extract"
	StageImageAnalysis = "image_analysis"
	StageCorrelate     = "correlate"
	StageTestPaths     = "test_paths"
	StageScenarios     = "scenarios"
	StageDetailedSteps = "detailed_steps"
	StageSerialize     = "serialize"
)

// Values keys used to pass intermediate results between stages.
const (
	valueDocument    = "document"
	valueImageNotes  = "image_notes"
	valueCorrelation = "correlation"
	valueTestPaths   = "test_paths"
	valueScenarios   = "scenarios"
)

// Artifact names registered by the serialize stage.
const (
	ArtifactScenariosJSON = "scenarios.json"
	ArtifactScenariosCSV  = "scenarios.csv"
)

// Completer is the slice of the LLM client the stages need.
type Completer interface {
	CompleteJSON(ctx context.Context, req llm.Request) (string, error)
	Model() string
}

// Options tunes pipeline construction and duration estimation.
type Options struct {
	SecondsPerPage  int
	BytesPerPage    int64
	MinimumEstimate time.Duration
}

func (o Options) withDefaults() Options {
	if o.SecondsPerPage <= 0 {
		o.SecondsPerPage = 30
	}
	if o.BytesPerPage <= 0 {
		o.BytesPerPage = 50 * 1024
	}
	if o.MinimumEstimate <= 0 {
		o.MinimumEstimate = time.Minute
	}
	return o
}

// Builder produces stage chains for jobs.
type Builder struct {
	extractor extract.Extractor
	completer Completer
	opts      Options
}

// NewBuilder wires the pipeline's collaborators.
func NewBuilder(extractor extract.Extractor, completer Completer, opts Options) *Builder {
	return &Builder{extractor: extractor, completer: completer, opts: opts.withDefaults()}
}

// Variants lists the recognized variant names.
func Variants() []string {
	return []string{VariantStandard, VariantQuick}
}

// ValidateVariant rejects unknown variant names.
func ValidateVariant(variant string) error {
	switch variant {
	case VariantStandard, VariantQuick:
		return nil
	default:
		return services.Wrap(services.ErrValidation, "", "validate_variant",
			fmt.Sprintf("unknown pipeline variant %q", variant), nil)
	}
}

// Build returns the stage chain for the job's config snapshot.
func (b *Builder) Build(cfg queue.JobConfig) ([]stage.Handler, error) {
	if err := ValidateVariant(cfg.Variant); err != nil {
		return nil, err
	}

	var stages []stage.Handler
	stages = append(stages, &extractStage{extractor: b.extractor, builder: b})

	if cfg.Variant == VariantStandard {
		if cfg.AnalyzeImages {
			stages = append(stages, &imageAnalysisStage{completer: b.completer, builder: b})
		}
		if cfg.CorrelateDocuments {
			stages = append(stages, &correlateStage{completer: b.completer, builder: b})
		}
		stages = append(stages, &testPathsStage{completer: b.completer, builder: b})
	}

	stages = append(stages, &scenariosStage{completer: b.completer, builder: b})

	if cfg.Variant == VariantStandard {
		stages = append(stages, &detailedStepsStage{completer: b.completer, builder: b})
	}

	stages = append(stages, &serializeStage{builder: b})
	return stages, nil
}

// EstimateDuration projects a job's total runtime from its source size. Size
// maps to pages, each page costs a fixed amount, with a one-minute floor.
func (b *Builder) EstimateDuration(sourceSize int64) time.Duration {
	pages := extract.EstimatePages(sourceSize, b.opts.BytesPerPage)
	estimate := time.Duration(pages*b.opts.SecondsPerPage) * time.Second
	if estimate < b.opts.MinimumEstimate {
		estimate = b.opts.MinimumEstimate
	}
	return estimate
}

// stage weights relative to the whole job, renormalized over the stages a
// chain actually includes.
var stageWeights = map[string]float64{
	StageExtract:       0.08,
	StageImageAnalysis: 0.15,
	StageCorrelate:     0.1,
	StageTestPaths:     0.15,
	StageScenarios:     0.3,
	StageDetailedSteps: 0.17,
	StageSerialize:     0.05,
}

func (b *Builder) stageEstimate(name string, job *queue.Job) time.Duration {
	total := b.EstimateDuration(job.SourceSize)
	weight, ok := stageWeights[name]
	if !ok {
		weight = 0.1
	}
	return time.Duration(float64(total) * weight)
}
