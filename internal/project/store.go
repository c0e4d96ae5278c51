// Package project persists scan reports per project directory.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jamesruggles/aegis/internal/model"
)

// Files inside a project directory.
const (
	InfoFile    = "project_info.yaml"
	ResultsFile = "scan_results.json"
	HistoryDir  = "history"

	currentFile = ".current"
	backupDir   = ".backups"
	historyTime = "20060102T150405.000000000"
)

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,63}$`)

// Info is the content of project_info.yaml.
type Info struct {
	Name      string            `yaml:"name" json:"name"`
	CreatedAt time.Time         `yaml:"created_at" json:"created_at"`
	Metadata  map[string]string `yaml:"metadata" json:"metadata"`
}

// HistoryEntry describes one saved report.
type HistoryEntry struct {
	ID        string           `json:"id"`
	File      string           `json:"file"`
	Status    model.ScanStatus `json:"status"`
	StartedAt time.Time        `json:"started_at"`
}

// Project is a project with its on-disk location and report history.
type Project struct {
	Info
	Path    string         `json:"path"`
	Reports []HistoryEntry `json:"reports"`
}

// Summary is a list entry.
type Summary struct {
	Info
	Path      string `json:"path"`
	ScanCount int    `json:"scan_count"`
}

// Store owns the project tree under root. Writers to one project are
// serialized; different projects proceed in parallel.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewStore creates root if needed and returns a store over it.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("project root cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, persistErr("create", root, err)
	}
	return &Store{
		root:   root,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sync.RWMutex),
	}, nil
}

// Root returns the directory holding all projects.
func (s *Store) Root() string {
	return s.root
}

// ValidateName checks that name is non-empty and filesystem-safe.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if strings.Contains(name, "..") || !nameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (s *Store) lock(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[name] = l
	}
	return l
}

func (s *Store) dir(name string) string {
	return filepath.Join(s.root, name)
}

// exists reports whether the project directory holds an info file.
func (s *Store) exists(name string) bool {
	info, err := os.Stat(filepath.Join(s.dir(name), InfoFile))
	return err == nil && info.Mode().IsRegular()
}

// Create makes a new, empty project.
func (s *Store) Create(name string) (*Project, error) {
	return s.CreateWithMetadata(name, nil)
}

// CreateWithMetadata makes a new project with initial metadata.
func (s *Store) CreateWithMetadata(name string, metadata map[string]string) (*Project, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	dir := s.dir(name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return nil, persistErr("create", dir, err)
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	info := Info{Name: name, CreatedAt: s.now(), Metadata: metadata}

	if err := os.Mkdir(filepath.Join(dir, HistoryDir), 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, persistErr("create", filepath.Join(dir, HistoryDir), err)
	}
	if err := writeYAMLAtomic(filepath.Join(dir, InfoFile), info); err != nil {
		_ = os.RemoveAll(dir)
		return nil, persistErr("write", filepath.Join(dir, InfoFile), err)
	}

	s.logger.Info("project created", "project", name, "path", dir)
	return &Project{Info: info, Path: dir, Reports: []HistoryEntry{}}, nil
}

// Exists reports whether a project with name exists.
func (s *Store) Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	l := s.lock(name)
	l.RLock()
	defer l.RUnlock()
	return s.exists(name)
}

func (s *Store) readInfo(name string) (Info, error) {
	path := filepath.Join(s.dir(name), InfoFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Info{}, persistErr("read", path, err)
	}

	var info Info
	if err := yaml.Unmarshal(data, &info); err != nil {
		return Info{}, persistErr("decode", path, err)
	}
	if info.Metadata == nil {
		info.Metadata = map[string]string{}
	}
	return info, nil
}

// Info returns the metadata of a project.
func (s *Store) Info(name string) (Info, error) {
	if err := ValidateName(name); err != nil {
		return Info{}, err
	}
	l := s.lock(name)
	l.RLock()
	defer l.RUnlock()
	return s.readInfo(name)
}

// Get returns a project with its report history.
func (s *Store) Get(name string) (*Project, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	l := s.lock(name)
	l.RLock()
	defer l.RUnlock()

	info, err := s.readInfo(name)
	if err != nil {
		return nil, err
	}
	history, err := s.history(name)
	if err != nil {
		return nil, err
	}
	return &Project{Info: info, Path: s.dir(name), Reports: history}, nil
}

// SetMetadata sets one metadata key of a project.
func (s *Store) SetMetadata(name, key, value string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("metadata key cannot be empty")
	}

	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	info, err := s.readInfo(name)
	if err != nil {
		return err
	}
	info.Metadata[key] = value

	path := filepath.Join(s.dir(name), InfoFile)
	if err := writeYAMLAtomic(path, info); err != nil {
		return persistErr("write", path, err)
	}
	return nil
}

// SaveScanResults stores report as the latest result of a project and
// appends it to the history.
func (s *Store) SaveScanResults(name string, report model.ScanReport) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	if !s.exists(name) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	dir := s.dir(name)
	histDir := filepath.Join(dir, HistoryDir)
	if err := os.MkdirAll(histDir, 0o755); err != nil {
		return persistErr("create", histDir, err)
	}

	histPath := filepath.Join(histDir, historyFileName(report, s.now()))
	if err := writeJSONAtomic(histPath, report); err != nil {
		return persistErr("write", histPath, err)
	}

	path := filepath.Join(dir, ResultsFile)
	if err := writeJSONAtomic(path, report); err != nil {
		return persistErr("write", path, err)
	}

	s.logger.Info("scan results saved", "project", name, "scan_id", report.ID, "status", report.Status)
	return nil
}

func historyFileName(report model.ScanReport, fallback time.Time) string {
	ts := report.StartedAt
	if ts.IsZero() {
		ts = fallback
	}
	id := report.ID
	if id == "" || ValidateName(id) != nil {
		id = "scan"
	}
	return ts.UTC().Format(historyTime) + "_" + id + ".json"
}

func readReport(path string) (model.ScanReport, error) {
	var report model.ScanReport
	data, err := os.ReadFile(path)
	if err != nil {
		return report, err
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return report, persistErr("decode", path, err)
	}
	return report, nil
}

// LoadScanResults returns the latest report saved for a project.
func (s *Store) LoadScanResults(name string) (model.ScanReport, error) {
	if err := ValidateName(name); err != nil {
		return model.ScanReport{}, err
	}

	l := s.lock(name)
	l.RLock()
	defer l.RUnlock()

	if !s.exists(name) {
		return model.ScanReport{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	path := filepath.Join(s.dir(name), ResultsFile)
	report, err := readReport(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.ScanReport{}, fmt.Errorf("%w: %s", ErrNoResults, name)
		}
		var pe *PersistError
		if errors.As(err, &pe) {
			return model.ScanReport{}, err
		}
		return model.ScanReport{}, persistErr("read", path, err)
	}
	return report, nil
}

// History lists saved reports of a project, oldest first.
func (s *Store) History(name string) ([]HistoryEntry, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	l := s.lock(name)
	l.RLock()
	defer l.RUnlock()

	if !s.exists(name) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.history(name)
}

func (s *Store) history(name string) ([]HistoryEntry, error) {
	histDir := filepath.Join(s.dir(name), HistoryDir)
	entries, err := os.ReadDir(histDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []HistoryEntry{}, nil
		}
		return nil, persistErr("read", histDir, err)
	}

	history := []HistoryEntry{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		report, err := readReport(filepath.Join(histDir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable history entry", "project", name, "file", e.Name(), "error", err)
			continue
		}
		history = append(history, HistoryEntry{
			ID:        report.ID,
			File:      filepath.ToSlash(filepath.Join(HistoryDir, e.Name())),
			Status:    report.Status,
			StartedAt: report.StartedAt,
		})
	}
	// ReadDir sorts by name and names start with the timestamp.
	return history, nil
}

// LoadReport returns one report from the history by scan ID.
func (s *Store) LoadReport(name, id string) (model.ScanReport, error) {
	if err := ValidateName(name); err != nil {
		return model.ScanReport{}, err
	}
	l := s.lock(name)
	l.RLock()
	defer l.RUnlock()

	history, err := s.history(name)
	if err != nil {
		return model.ScanReport{}, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ID == id {
			path := filepath.Join(s.dir(name), filepath.FromSlash(history[i].File))
			report, err := readReport(path)
			if err != nil {
				return model.ScanReport{}, persistErr("read", path, err)
			}
			return report, nil
		}
	}
	return model.ScanReport{}, fmt.Errorf("%w: scan %s in %s", ErrNoResults, id, name)
}

// List returns every project ordered by creation time, then name.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, persistErr("read", s.root, err)
	}

	projects := []Summary{}
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		name := e.Name()

		l := s.lock(name)
		l.RLock()
		info, err := s.readInfo(name)
		count := 0
		if err == nil {
			if hist, herr := os.ReadDir(filepath.Join(s.dir(name), HistoryDir)); herr == nil {
				for _, h := range hist {
					if !h.IsDir() && strings.HasSuffix(h.Name(), ".json") && !strings.HasPrefix(h.Name(), ".") {
						count++
					}
				}
			}
		}
		l.RUnlock()

		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("skipping unreadable project", "project", name, "error", err)
			}
			continue
		}
		projects = append(projects, Summary{Info: info, Path: s.dir(name), ScanCount: count})
	}

	slices.SortFunc(projects, func(a, b Summary) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return projects, nil
}

// Delete removes a project and everything in it.
func (s *Store) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	if !s.exists(name) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	dir := s.dir(name)
	if err := os.RemoveAll(dir); err != nil {
		return persistErr("delete", dir, err)
	}

	if cur, err := s.readCurrent(); err == nil && cur == name {
		_ = os.Remove(filepath.Join(s.root, currentFile))
	}
	s.logger.Info("project deleted", "project", name)
	return nil
}

// ReportPath returns where a generated artifact of a project is written.
// file must be a plain file name.
func (s *Store) ReportPath(name, file string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if file == "" || file != filepath.Base(file) || strings.HasPrefix(file, ".") {
		return "", fmt.Errorf("invalid report file name %q", file)
	}
	if !s.Exists(name) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return filepath.Join(s.dir(name), file), nil
}

// Use selects name as the current project.
func (s *Store) Use(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if !s.Exists(name) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	path := filepath.Join(s.root, currentFile)
	if err := writeFileAtomic(path, []byte(name+"\n"), 0o644); err != nil {
		return persistErr("write", path, err)
	}
	return nil
}

func (s *Store) readCurrent() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, currentFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Current returns the selected project.
func (s *Store) Current() (string, error) {
	name, err := s.readCurrent()
	if err != nil || name == "" {
		return "", ErrNoCurrent
	}
	if !s.Exists(name) {
		return "", fmt.Errorf("%w: %s no longer exists", ErrNoCurrent, name)
	}
	return name, nil
}

// Backup writes a gzip-compressed tar of a project to archivePath. An
// empty archivePath writes into the store's backup directory. The final
// archive path is returned.
func (s *Store) Backup(name, archivePath string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	l := s.lock(name)
	l.RLock()
	defer l.RUnlock()

	if !s.exists(name) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if archivePath == "" {
		archivePath = filepath.Join(s.root, backupDir, name+"_"+s.now().Format("20060102T150405")+".tar.gz")
	}
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return "", persistErr("create", filepath.Dir(archivePath), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".backup-*")
	if err != nil {
		return "", persistErr("create", archivePath, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writeArchive(s.dir(name), tmp); err != nil {
		tmp.Close()
		return "", persistErr("archive", archivePath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", persistErr("archive", archivePath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", persistErr("archive", archivePath, err)
	}
	if err := os.Rename(tmpName, archivePath); err != nil {
		return "", persistErr("archive", archivePath, err)
	}

	s.logger.Info("project backed up", "project", name, "archive", archivePath)
	return archivePath, nil
}

// Restore unpacks a backup as a new project named newName.
func (s *Store) Restore(archivePath, newName string) (*Project, error) {
	if err := ValidateName(newName); err != nil {
		return nil, err
	}

	l := s.lock(newName)
	l.Lock()
	defer l.Unlock()

	dir := s.dir(newName)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, newName)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, persistErr("open", archivePath, err)
	}
	defer f.Close()

	staging, err := os.MkdirTemp(s.root, ".restore-")
	if err != nil {
		return nil, persistErr("create", s.root, err)
	}
	defer os.RemoveAll(staging)

	if err := extractArchive(f, staging); err != nil {
		if errors.Is(err, ErrUnsafeArchive) {
			return nil, err
		}
		return nil, persistErr("extract", archivePath, err)
	}

	infoPath := filepath.Join(staging, InfoFile)
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, persistErr("read", archivePath, fmt.Errorf("archive has no %s: %w", InfoFile, err))
	}
	var info Info
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, persistErr("decode", infoPath, err)
	}
	info.Name = newName
	if info.Metadata == nil {
		info.Metadata = map[string]string{}
	}
	if err := writeYAMLAtomic(infoPath, info); err != nil {
		return nil, persistErr("write", infoPath, err)
	}

	if err := os.Chmod(staging, 0o755); err != nil {
		return nil, persistErr("restore", staging, err)
	}
	if err := os.Rename(staging, dir); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, newName)
		}
		return nil, persistErr("restore", dir, err)
	}

	history, err := s.history(newName)
	if err != nil {
		return nil, err
	}
	s.logger.Info("project restored", "project", newName, "archive", archivePath)
	return &Project{Info: info, Path: dir, Reports: history}, nil
}
