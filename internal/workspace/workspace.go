// Package workspace manages the on-disk directory tree backing jobs. Every
// owner gets an isolated subtree with uploads, per-job processing scratch
// space, and per-job result directories. All identifiers that become path
// segments are validated before use.
package workspace

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scenarioforge/internal/logging"
	"scenarioforge/internal/services"
)

const (
	uploadsDirName    = "uploads"
	processingDirName = "processing"
	resultsDirName    = "results"
)

// Manager owns the workspace root and enforces owner disk quotas.
type Manager struct {
	root          string
	maxOwnerBytes int64
	logger        *slog.Logger
}

// NewManager creates a manager rooted at dir. A maxOwnerBytes of zero
// disables quota checks.
func NewManager(dir string, maxOwnerBytes int64, logger *slog.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("workspace root must be absolute, got %q", dir)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: dir, maxOwnerBytes: maxOwnerBytes, logger: logger.With(logging.String(logging.FieldComponent, "workspace"))}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string { return m.root }

// ValidateID rejects identifiers that cannot safely become a path segment.
func ValidateID(id string) error {
	if id == "" {
		return services.Wrap(services.ErrValidation, "", "validate_id", "identifier is empty", nil)
	}
	if len(id) > 128 {
		return services.Wrap(services.ErrValidation, "", "validate_id", "identifier exceeds 128 characters", nil)
	}
	if id == "." || id == ".." {
		return services.Wrap(services.ErrValidation, "", "validate_id", fmt.Sprintf("identifier %q is reserved", id), nil)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return services.Wrap(services.ErrValidation, "", "validate_id", fmt.Sprintf("identifier %q contains disallowed character %q", id, r), nil)
		}
	}
	return nil
}

func (m *Manager) ownerDir(ownerID string) string {
	return filepath.Join(m.root, ownerID)
}

// UploadsDir returns the owner's upload directory, creating it if needed.
func (m *Manager) UploadsDir(ownerID string) (string, error) {
	if err := ValidateID(ownerID); err != nil {
		return "", err
	}
	dir := filepath.Join(m.ownerDir(ownerID), uploadsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create uploads directory: %w", err)
	}
	return dir, nil
}

// Allocate creates the processing directory for a job and returns its path.
func (m *Manager) Allocate(ownerID, jobID string) (string, error) {
	if err := ValidateID(ownerID); err != nil {
		return "", err
	}
	if err := ValidateID(jobID); err != nil {
		return "", err
	}
	dir := filepath.Join(m.ownerDir(ownerID), processingDirName, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("allocate workspace: %w", err)
	}
	return dir, nil
}

// ProcessingDir returns the job's scratch directory without creating it.
func (m *Manager) ProcessingDir(ownerID, jobID string) string {
	return filepath.Join(m.ownerDir(ownerID), processingDirName, jobID)
}

// ResultsDir returns the job's result directory without creating it.
func (m *Manager) ResultsDir(ownerID, jobID string) string {
	return filepath.Join(m.ownerDir(ownerID), resultsDirName, jobID)
}

// PathFor resolves a relative path inside a job's processing directory.
// Paths that escape the directory are rejected.
func (m *Manager) PathFor(ownerID, jobID, relative string) (string, error) {
	if err := ValidateID(ownerID); err != nil {
		return "", err
	}
	if err := ValidateID(jobID); err != nil {
		return "", err
	}
	return containedJoin(m.ProcessingDir(ownerID, jobID), relative)
}

// ResultPath resolves a relative path inside a job's results directory.
func (m *Manager) ResultPath(ownerID, jobID, relative string) (string, error) {
	if err := ValidateID(ownerID); err != nil {
		return "", err
	}
	if err := ValidateID(jobID); err != nil {
		return "", err
	}
	return containedJoin(m.ResultsDir(ownerID, jobID), relative)
}

func containedJoin(base, relative string) (string, error) {
	if relative == "" {
		return "", services.Wrap(services.ErrValidation, "", "resolve_path", "relative path is empty", nil)
	}
	if filepath.IsAbs(relative) {
		return "", services.Wrap(services.ErrValidation, "", "resolve_path", fmt.Sprintf("path %q must be relative", relative), nil)
	}
	joined := filepath.Join(base, relative)
	rel, err := filepath.Rel(base, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", services.Wrap(services.ErrValidation, "", "resolve_path", fmt.Sprintf("path %q escapes the job workspace", relative), nil)
	}
	return joined, nil
}

// Release moves the named artifacts from the processing directory into the
// results directory and removes the remaining scratch space. Calling it again
// for the same job is a no-op.
func (m *Manager) Release(ownerID, jobID string, keep []string) error {
	if err := ValidateID(ownerID); err != nil {
		return err
	}
	if err := ValidateID(jobID); err != nil {
		return err
	}

	processing := m.ProcessingDir(ownerID, jobID)
	if _, err := os.Stat(processing); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat processing directory: %w", err)
	}

	if len(keep) > 0 {
		results := m.ResultsDir(ownerID, jobID)
		if err := os.MkdirAll(results, 0o755); err != nil {
			return fmt.Errorf("create results directory: %w", err)
		}
		for _, name := range keep {
			src, err := containedJoin(processing, name)
			if err != nil {
				return err
			}
			dst, err := containedJoin(results, name)
			if err != nil {
				return err
			}
			if _, err := os.Stat(src); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return fmt.Errorf("stat artifact %s: %w", name, err)
			}
			if dir := filepath.Dir(dst); dir != results {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create artifact directory: %w", err)
				}
			}
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("preserve artifact %s: %w", name, err)
			}
		}
	}

	if err := os.RemoveAll(processing); err != nil {
		return fmt.Errorf("remove processing directory: %w", err)
	}
	m.logger.Debug("workspace released",
		logging.String(logging.FieldOwnerID, ownerID),
		logging.String(logging.FieldJobID, jobID),
		logging.Int("kept", len(keep)))
	return nil
}

// RemoveResults deletes a job's result directory. Missing directories are not
// an error.
func (m *Manager) RemoveResults(ownerID, jobID string) error {
	if err := ValidateID(ownerID); err != nil {
		return err
	}
	if err := ValidateID(jobID); err != nil {
		return err
	}
	if err := os.RemoveAll(m.ResultsDir(ownerID, jobID)); err != nil {
		return fmt.Errorf("remove results directory: %w", err)
	}
	return nil
}

// OwnerUsage reports the total bytes under an owner's subtree.
func (m *Manager) OwnerUsage(ownerID string) (int64, error) {
	if err := ValidateID(ownerID); err != nil {
		return 0, err
	}
	var total int64
	err := filepath.WalkDir(m.ownerDir(ownerID), func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return nil
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("measure owner usage: %w", err)
	}
	return total, nil
}

// CheckQuota fails when admitting incoming bytes would push the owner past
// the configured limit.
func (m *Manager) CheckQuota(ownerID string, incoming int64) error {
	if m.maxOwnerBytes <= 0 {
		return nil
	}
	used, err := m.OwnerUsage(ownerID)
	if err != nil {
		return err
	}
	if used+incoming > m.maxOwnerBytes {
		return services.Wrap(services.ErrResource, "", "check_quota",
			fmt.Sprintf("owner storage quota exceeded: %d bytes used, %d incoming, %d allowed", used, incoming, m.maxOwnerBytes), nil)
	}
	return nil
}

// Orphan identifies a processing directory removed by SweepOrphans.
type Orphan struct {
	OwnerID string
	JobID   string
}

// SweepOrphans removes processing directories whose job is not in the live
// set and whose last modification is older than the grace period. It returns
// the identities of the removed directories so the caller can record the
// interrupted jobs as failed.
func (m *Manager) SweepOrphans(live map[string]struct{}, grace time.Duration) ([]Orphan, error) {
	owners, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workspace root: %w", err)
	}

	cutoff := time.Now().Add(-grace)
	var swept []Orphan
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		processing := filepath.Join(m.root, owner.Name(), processingDirName)
		jobs, err := os.ReadDir(processing)
		if err != nil {
			continue
		}
		for _, job := range jobs {
			if !job.IsDir() {
				continue
			}
			if _, ok := live[job.Name()]; ok {
				continue
			}
			info, err := job.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(processing, job.Name())
			if err := os.RemoveAll(path); err != nil {
				m.logger.Warn("orphan removal failed", logging.String("path", path), logging.Error(err))
				continue
			}
			swept = append(swept, Orphan{OwnerID: owner.Name(), JobID: job.Name()})
			m.logger.Info("orphaned workspace removed",
				logging.String(logging.FieldOwnerID, owner.Name()),
				logging.String(logging.FieldJobID, job.Name()))
		}
	}
	return swept, nil
}
