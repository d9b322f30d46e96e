package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ReportFile is the file name of a run's summary report.
const ReportFile = "summary.json"

// OutputManager handles run report organization and path management
type OutputManager struct {
	BaseOutputDir string
}

// NewOutputManager creates a new output manager
func NewOutputManager(baseOutputDir string) *OutputManager {
	return &OutputManager{
		BaseOutputDir: baseOutputDir,
	}
}

// CreateRunOutputDir creates a run-ID directory for a run's reports
func (om *OutputManager) CreateRunOutputDir(runID string) (string, error) {
	runDir := filepath.Join(om.BaseOutputDir, runID)

	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run output directory: %w", err)
	}

	return runDir, nil
}

// GetOutputFilePath generates a full path for an output file
func (om *OutputManager) GetOutputFilePath(runID, fileName string) (string, error) {
	runDir, err := om.CreateRunOutputDir(runID)
	if err != nil {
		return "", err
	}

	// Clean the filename to remove any path separators
	return filepath.Join(runDir, filepath.Base(fileName)), nil
}

// WriteJSON writes v as indented JSON into the run's directory and returns
// the file path.
func (om *OutputManager) WriteJSON(runID, fileName string, v interface{}) (string, error) {
	path, err := om.GetOutputFilePath(runID, fileName)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// ReportPath returns where fileName of runID lives without creating
// anything. runID must be a single path element.
func (om *OutputManager) ReportPath(runID, fileName string) (string, error) {
	if runID == "" || runID != filepath.Base(runID) || runID == ".." {
		return "", fmt.Errorf("invalid run ID %q", runID)
	}
	return filepath.Join(om.BaseOutputDir, runID, filepath.Base(fileName)), nil
}
