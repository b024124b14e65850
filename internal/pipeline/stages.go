package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"scenarioforge/internal/queue"
	"scenarioforge/internal/services"
	"scenarioforge/internal/services/export"
	"scenarioforge/internal/services/extract"
	"scenarioforge/internal/services/llm"
	"scenarioforge/internal/stage"
)

// documentFrom fetches the extracted document a later stage depends on.
func documentFrom(exec *stage.Execution, op string) (*extract.Document, error) {
	doc, ok := exec.Values[valueDocument].(*extract.Document)
	if !ok || doc == nil {
		return nil, services.Wrap(services.ErrFatal, "", op, "document not extracted", nil)
	}
	return doc, nil
}

// truncateForPrompt bounds the document text sent to the model.
func truncateForPrompt(text string) string {
	const limit = 60_000
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "\n[document truncated]"
}

func userPrompt(doc *extract.Document, cfg queue.JobConfig, extra string) string {
	var b strings.Builder
	b.WriteString("Document: ")
	b.WriteString(doc.SourceName)
	b.WriteString("\n\n")
	b.WriteString(truncateForPrompt(doc.Text))
	if hints := strings.TrimSpace(cfg.Hints); hints != "" {
		b.WriteString("\n\nAdditional guidance from the requester:\n")
		b.WriteString(hints)
	}
	if extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	return b.String()
}

// extractStage reads the source file into the normalized document form.
type extractStage struct {
	extractor extract.Extractor
	builder   *Builder
}

func (s *extractStage) Name() string { return StageExtract }

func (s *extractStage) ExpectedDuration(job *queue.Job) time.Duration {
	return s.builder.stageEstimate(StageExtract, job)
}

func (s *extractStage) Run(ctx context.Context, exec *stage.Execution) error {
	if exec.Job.SourcePath == "" {
		return services.Wrap(services.ErrFatal, StageExtract, "locate_source", "job has no source path", nil)
	}
	doc, err := s.extractor.Extract(ctx, exec.Job.SourcePath)
	if err != nil {
		return err
	}
	exec.Values[valueDocument] = doc
	exec.Progress(1)
	return nil
}

// imageAnalysisStage asks the model what the document's figures imply for
// testing. Documents without image references complete immediately.
type imageAnalysisStage struct {
	completer Completer
	builder   *Builder
}

func (s *imageAnalysisStage) Name() string { return StageImageAnalysis }

func (s *imageAnalysisStage) ExpectedDuration(job *queue.Job) time.Duration {
	return s.builder.stageEstimate(StageImageAnalysis, job)
}

func (s *imageAnalysisStage) Run(ctx context.Context, exec *stage.Execution) error {
	doc, err := documentFrom(exec, "analyze_images")
	if err != nil {
		return err
	}
	if len(doc.ImageRefs) == 0 {
		exec.Progress(1)
		return nil
	}

	extra := "Image references:\n" + strings.Join(doc.ImageRefs, "\n")
	content, err := s.completer.CompleteJSON(ctx, llm.Request{
		SystemPrompt: imageAnalysisPrompt,
		UserPrompt:   userPrompt(doc, exec.Job.Config, extra),
		Model:        exec.Job.Config.Model,
	})
	if err != nil {
		return err
	}
	var parsed struct {
		Notes []struct {
			Ref     string `json:"ref"`
			Summary string `json:"summary"`
		} `json:"notes"`
	}
	if err := llm.DecodeJSON(content, &parsed); err != nil {
		return services.Wrap(services.ErrTransient, StageImageAnalysis, "parse_response", "malformed image analysis payload", err)
	}
	notes := make([]string, 0, len(parsed.Notes))
	for _, note := range parsed.Notes {
		if summary := strings.TrimSpace(note.Summary); summary != "" {
			notes = append(notes, fmt.Sprintf("%s: %s", note.Ref, summary))
		}
	}
	exec.Values[valueImageNotes] = notes
	exec.Progress(1)
	return nil
}

// correlateStage extracts cross-references between document sections.
type correlateStage struct {
	completer Completer
	builder   *Builder
}

func (s *correlateStage) Name() string { return StageCorrelate }

func (s *correlateStage) ExpectedDuration(job *queue.Job) time.Duration {
	return s.builder.stageEstimate(StageCorrelate, job)
}

func (s *correlateStage) Run(ctx context.Context, exec *stage.Execution) error {
	doc, err := documentFrom(exec, "correlate")
	if err != nil {
		return err
	}
	content, err := s.completer.CompleteJSON(ctx, llm.Request{
		SystemPrompt: correlatePrompt,
		UserPrompt:   userPrompt(doc, exec.Job.Config, ""),
		Model:        exec.Job.Config.Model,
	})
	if err != nil {
		return err
	}
	var parsed struct {
		Links []struct {
			From     string `json:"from"`
			To       string `json:"to"`
			Relation string `json:"relation"`
		} `json:"links"`
	}
	if err := llm.DecodeJSON(content, &parsed); err != nil {
		return services.Wrap(services.ErrTransient, StageCorrelate, "parse_response", "malformed correlation payload", err)
	}
	links := make([]string, 0, len(parsed.Links))
	for _, link := range parsed.Links {
		links = append(links, fmt.Sprintf("%s -> %s (%s)", link.From, link.To, link.Relation))
	}
	exec.Values[valueCorrelation] = links
	exec.Progress(1)
	return nil
}

// testPathsStage enumerates the user-visible paths to cover.
type testPathsStage struct {
	completer Completer
	builder   *Builder
}

func (s *testPathsStage) Name() string { return StageTestPaths }

func (s *testPathsStage) ExpectedDuration(job *queue.Job) time.Duration {
	return s.builder.stageEstimate(StageTestPaths, job)
}

func (s *testPathsStage) Run(ctx context.Context, exec *stage.Execution) error {
	doc, err := documentFrom(exec, "test_paths")
	if err != nil {
		return err
	}
	content, err := s.completer.CompleteJSON(ctx, llm.Request{
		SystemPrompt: testPathsPrompt,
		UserPrompt:   userPrompt(doc, exec.Job.Config, analysisContext(exec)),
		Model:        exec.Job.Config.Model,
	})
	if err != nil {
		return err
	}
	var parsed struct {
		Paths []struct {
			Name    string `json:"name"`
			Kind    string `json:"kind"`
			Summary string `json:"summary"`
		} `json:"paths"`
	}
	if err := llm.DecodeJSON(content, &parsed); err != nil {
		return services.Wrap(services.ErrTransient, StageTestPaths, "parse_response", "malformed test path payload", err)
	}
	if len(parsed.Paths) == 0 {
		return services.Wrap(services.ErrTransient, StageTestPaths, "parse_response", "model returned no test paths", nil)
	}
	paths := make([]string, 0, len(parsed.Paths))
	for _, p := range parsed.Paths {
		paths = append(paths, fmt.Sprintf("%s [%s]: %s", p.Name, p.Kind, p.Summary))
	}
	exec.Values[valueTestPaths] = paths
	exec.Progress(1)
	return nil
}

// analysisContext folds earlier analysis results into a prompt suffix.
func analysisContext(exec *stage.Execution) string {
	var sections []string
	if notes, ok := exec.Values[valueImageNotes].([]string); ok && len(notes) > 0 {
		sections = append(sections, "Figure analysis:\n"+strings.Join(notes, "\n"))
	}
	if links, ok := exec.Values[valueCorrelation].([]string); ok && len(links) > 0 {
		sections = append(sections, "Cross-references:\n"+strings.Join(links, "\n"))
	}
	if paths, ok := exec.Values[valueTestPaths].([]string); ok && len(paths) > 0 {
		sections = append(sections, "Test paths to cover:\n"+strings.Join(paths, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

// scenariosStage generates the scenario list without steps.
type scenariosStage struct {
	completer Completer
	builder   *Builder
}

func (s *scenariosStage) Name() string { return StageScenarios }

func (s *scenariosStage) ExpectedDuration(job *queue.Job) time.Duration {
	return s.builder.stageEstimate(StageScenarios, job)
}

func (s *scenariosStage) Run(ctx context.Context, exec *stage.Execution) error {
	doc, err := documentFrom(exec, "generate_scenarios")
	if err != nil {
		return err
	}
	content, err := s.completer.CompleteJSON(ctx, llm.Request{
		SystemPrompt: scenariosPrompt,
		UserPrompt:   userPrompt(doc, exec.Job.Config, analysisContext(exec)),
		Model:        exec.Job.Config.Model,
	})
	if err != nil {
		return err
	}
	var parsed struct {
		Scenarios []export.Scenario `json:"scenarios"`
	}
	if err := llm.DecodeJSON(content, &parsed); err != nil {
		return services.Wrap(services.ErrTransient, StageScenarios, "parse_response", "malformed scenario payload", err)
	}
	if len(parsed.Scenarios) == 0 {
		return services.Wrap(services.ErrTransient, StageScenarios, "parse_response", "model returned no scenarios", nil)
	}
	exec.Values[valueScenarios] = parsed.Scenarios
	exec.Progress(1)
	return nil
}

// detailedStepsStage fills in numbered steps for each scenario, reporting
// progress per scenario.
type detailedStepsStage struct {
	completer Completer
	builder   *Builder
}

func (s *detailedStepsStage) Name() string { return StageDetailedSteps }

func (s *detailedStepsStage) ExpectedDuration(job *queue.Job) time.Duration {
	return s.builder.stageEstimate(StageDetailedSteps, job)
}

func (s *detailedStepsStage) Run(ctx context.Context, exec *stage.Execution) error {
	scenarios, ok := exec.Values[valueScenarios].([]export.Scenario)
	if !ok || len(scenarios) == 0 {
		return services.Wrap(services.ErrFatal, StageDetailedSteps, "load_scenarios", "no scenarios generated", nil)
	}
	doc, err := documentFrom(exec, "detailed_steps")
	if err != nil {
		return err
	}

	for i := range scenarios {
		if err := ctx.Err(); err != nil {
			return err
		}
		scenarioJSON, err := json.Marshal(scenarios[i])
		if err != nil {
			return services.Wrap(services.ErrFatal, StageDetailedSteps, "encode_scenario", "encode scenario", err)
		}
		content, err := s.completer.CompleteJSON(ctx, llm.Request{
			SystemPrompt: detailedStepsPrompt,
			UserPrompt:   userPrompt(doc, exec.Job.Config, "Scenario:\n"+string(scenarioJSON)),
			Model:        exec.Job.Config.Model,
		})
		if err != nil {
			return err
		}
		var parsed struct {
			Steps []export.Step `json:"steps"`
		}
		if err := llm.DecodeJSON(content, &parsed); err != nil {
			return services.Wrap(services.ErrTransient, StageDetailedSteps, "parse_response", "malformed step payload", err)
		}
		scenarios[i].Steps = parsed.Steps
		exec.Progress(float64(i+1) / float64(len(scenarios)))
	}
	exec.Values[valueScenarios] = scenarios
	return nil
}

// serializeStage writes the JSON and CSV artifacts into the job workspace.
type serializeStage struct {
	builder *Builder
}

func (s *serializeStage) Name() string { return StageSerialize }

func (s *serializeStage) ExpectedDuration(job *queue.Job) time.Duration {
	return s.builder.stageEstimate(StageSerialize, job)
}

func (s *serializeStage) Run(ctx context.Context, exec *stage.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	scenarios, ok := exec.Values[valueScenarios].([]export.Scenario)
	if !ok || len(scenarios) == 0 {
		return services.Wrap(services.ErrFatal, StageSerialize, "load_scenarios", "no scenarios to serialize", nil)
	}

	model := exec.Job.Config.Model
	if model == "" {
		model = s.builder.completer.Model()
	}
	bundle := &export.Bundle{
		SourceName:  exec.Job.SourceName,
		Variant:     exec.Job.Config.Variant,
		Model:       model,
		GeneratedAt: time.Now().UTC(),
		Scenarios:   scenarios,
	}
	bundle.Normalize()

	jsonPath := filepath.Join(exec.Workspace, ArtifactScenariosJSON)
	jsonSize, err := export.WriteJSON(jsonPath, bundle)
	if err != nil {
		return services.Wrap(services.ErrTransient, StageSerialize, "write_json", "write scenario artifact", err)
	}
	exec.Artifact(queue.Artifact{
		Name:      ArtifactScenariosJSON,
		Path:      jsonPath,
		Size:      jsonSize,
		MediaType: "application/json",
		CreatedAt: time.Now(),
	})

	csvPath := filepath.Join(exec.Workspace, ArtifactScenariosCSV)
	csvSize, err := export.WriteCSV(csvPath, bundle)
	if err != nil {
		return services.Wrap(services.ErrTransient, StageSerialize, "write_csv", "write scenario artifact", err)
	}
	exec.Artifact(queue.Artifact{
		Name:      ArtifactScenariosCSV,
		Path:      csvPath,
		Size:      csvSize,
		MediaType: "text/csv",
		CreatedAt: time.Now(),
	})

	exec.Progress(1)
	return nil
}
