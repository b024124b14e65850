package export

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleBundle() *Bundle {
	return &Bundle{
		SourceName:  "spec.md",
		Variant:     "standard",
		GeneratedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Scenarios: []Scenario{
			{
				Title:    "  Login succeeds  ",
				Priority: "HIGH",
				Steps: []Step{
					{Action: "Open login page", Expected: "Form shown"},
					{Action: "Submit credentials", Expected: "Dashboard shown"},
				},
			},
			{Title: "Empty form rejected"},
		},
	}
}

func TestNormalizeAssignsIDsAndNumbers(t *testing.T) {
	bundle := sampleBundle()
	bundle.Normalize()

	if bundle.Scenarios[0].ID != "TS-001" || bundle.Scenarios[1].ID != "TS-002" {
		t.Fatalf("ids = %q %q", bundle.Scenarios[0].ID, bundle.Scenarios[1].ID)
	}
	if bundle.Scenarios[0].Title != "Login succeeds" {
		t.Fatalf("title not trimmed: %q", bundle.Scenarios[0].Title)
	}
	if bundle.Scenarios[0].Priority != "high" {
		t.Fatalf("priority = %q", bundle.Scenarios[0].Priority)
	}
	if bundle.Scenarios[1].Priority != "medium" {
		t.Fatalf("default priority = %q", bundle.Scenarios[1].Priority)
	}
	if bundle.Scenarios[0].Steps[1].Number != 2 {
		t.Fatalf("step number = %d", bundle.Scenarios[0].Steps[1].Number)
	}
}

func TestWriteJSONRoundTrip(t *testing.T) {
	bundle := sampleBundle()
	bundle.Normalize()
	path := filepath.Join(t.TempDir(), "scenarios.json")

	size, err := WriteJSON(path, bundle)
	if err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != size {
		t.Fatalf("reported %d bytes, file has %d", size, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Bundle
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Scenarios) != 2 || decoded.Scenarios[0].Title != "Login succeeds" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestWriteCSVOneRowPerStep(t *testing.T) {
	bundle := sampleBundle()
	bundle.Normalize()
	path := filepath.Join(t.TempDir(), "scenarios.csv")

	if _, err := WriteCSV(path, bundle); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	// Header, two steps for the first scenario, one placeholder row for the
	// stepless second scenario.
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}
	if rows[1][0] != "TS-001" || rows[1][3] != "1" {
		t.Fatalf("first step row = %v", rows[1])
	}
	if rows[3][0] != "TS-002" || rows[3][3] != "" {
		t.Fatalf("stepless row = %v", rows[3])
	}
}
