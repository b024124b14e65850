// Package export owns the output schema for generated test scenarios and the
// serializers that write them as downloadable artifacts.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Step is a single numbered action within a scenario.
type Step struct {
	Number   int    `json:"number"`
	Action   string `json:"action"`
	Expected string `json:"expected"`
}

// Scenario is one generated test scenario.
type Scenario struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Priority      string   `json:"priority"`
	Preconditions []string `json:"preconditions,omitempty"`
	Steps         []Step   `json:"steps"`
	TestPath      string   `json:"test_path,omitempty"`
}

// Bundle is the complete output of a job.
type Bundle struct {
	SourceName  string     `json:"source_name"`
	Variant     string     `json:"variant"`
	Model       string     `json:"model,omitempty"`
	GeneratedAt time.Time  `json:"generated_at"`
	Scenarios   []Scenario `json:"scenarios"`
}

// Normalize fills in missing identifiers and step numbers and trims fields.
func (b *Bundle) Normalize() {
	for i := range b.Scenarios {
		sc := &b.Scenarios[i]
		sc.Title = strings.TrimSpace(sc.Title)
		sc.Description = strings.TrimSpace(sc.Description)
		sc.Priority = strings.ToLower(strings.TrimSpace(sc.Priority))
		if sc.Priority == "" {
			sc.Priority = "medium"
		}
		if sc.ID == "" {
			sc.ID = fmt.Sprintf("TS-%03d", i+1)
		}
		for j := range sc.Steps {
			step := &sc.Steps[j]
			if step.Number == 0 {
				step.Number = j + 1
			}
			step.Action = strings.TrimSpace(step.Action)
			step.Expected = strings.TrimSpace(step.Expected)
		}
	}
}

// WriteJSON serializes the bundle to path as indented JSON and returns the
// bytes written.
func WriteJSON(path string, bundle *Bundle) (int64, error) {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode scenarios: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("write scenarios file: %w", err)
	}
	return int64(len(data)), nil
}

// WriteCSV flattens the bundle into one row per step and returns the bytes
// written.
func WriteCSV(path string, bundle *Bundle) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create csv file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"scenario_id", "title", "priority", "step", "action", "expected"}
	if err := writer.Write(header); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}
	for _, sc := range bundle.Scenarios {
		if len(sc.Steps) == 0 {
			row := []string{sc.ID, sc.Title, sc.Priority, "", "", ""}
			if err := writer.Write(row); err != nil {
				return 0, fmt.Errorf("write csv row: %w", err)
			}
			continue
		}
		for _, step := range sc.Steps {
			row := []string{sc.ID, sc.Title, sc.Priority, strconv.Itoa(step.Number), step.Action, step.Expected}
			if err := writer.Write(row); err != nil {
				return 0, fmt.Errorf("write csv row: %w", err)
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return 0, fmt.Errorf("flush csv: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat csv file: %w", err)
	}
	return info.Size(), nil
}
