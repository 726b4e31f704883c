// Package mission holds the persisted state of one mission: the remote resource
// names, the pool configuration and the per-case bookkeeping that makes
// submission and download idempotent across restarts.
package mission

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rescale/mission-int/internal/constants"
	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/validation"
)

// FormatVersion is the backup file format written by this package.
const FormatVersion = 1

// CaseRecord is the local bookkeeping for one case.
// Submitted implies that the remote queue accepted task RemoteTaskID.
type CaseRecord struct {
	CaseID       string `json:"case_id"`
	LocalPath    string `json:"local_path"`
	Submitted    bool   `json:"submitted"`
	RemoteTaskID string `json:"remote_task_id,omitempty"`
	Downloaded   bool   `json:"downloaded"`
}

// Data is the serialised form of a mission.
type Data struct {
	Version          int                    `json:"version"`
	MissionName      string                 `json:"mission_name"`
	WorkingDirectory string                 `json:"working_directory"`
	Pool             models.PoolSpec        `json:"pool"`
	PoolName         string                 `json:"pool_name"`
	JobName          string                 `json:"job_name"`
	ContainerName    string                 `json:"container_name"`
	Cases            map[string]*CaseRecord `json:"cases"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Clone returns a deep copy of d.
func (d Data) Clone() Data {
	out := d
	out.Cases = make(map[string]*CaseRecord, len(d.Cases))
	for id, rec := range d.Cases {
		r := *rec
		out.Cases[id] = &r
	}
	return out
}

// Marshal encodes mission data as written to the backup file.
func Marshal(d Data) ([]byte, error) {
	if d.Cases == nil {
		d.Cases = make(map[string]*CaseRecord)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mission state: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a backup file.
func Unmarshal(data []byte) (Data, error) {
	var d Data
	if err := json.Unmarshal(data, &d); err != nil {
		return Data{}, fmt.Errorf("failed to parse mission state: %w", err)
	}
	if d.Version > FormatVersion {
		return Data{}, fmt.Errorf("mission state version %d is newer than supported version %d", d.Version, FormatVersion)
	}
	if d.MissionName == "" {
		return Data{}, fmt.Errorf("mission state has no mission name")
	}
	if d.Cases == nil {
		d.Cases = make(map[string]*CaseRecord)
	}
	for id, rec := range d.Cases {
		if rec == nil {
			d.Cases[id] = &CaseRecord{CaseID: id}
		}
	}
	return d, nil
}

// BackupPath returns the backup file location for a mission.
func BackupPath(workingDir, name string) string {
	return filepath.Join(workingDir, name+constants.BackupFileSuffix)
}

// State is a mission's state guarded by a single mutex. Every mutation goes
// through Update, which persists before releasing the lock.
type State struct {
	mu   sync.Mutex
	data Data
	path string
}

// New creates a fresh mission. Nothing is written until the first Save or Update.
func New(name, workingDir string, pool models.PoolSpec) (*State, error) {
	if err := validation.ValidateMissionName(name); err != nil {
		return nil, err
	}
	if workingDir == "" {
		return nil, fmt.Errorf("mission %s: working directory is required", name)
	}
	absDir, err := filepath.Abs(workingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	now := timestamp()
	d := Data{
		Version:          FormatVersion,
		MissionName:      name,
		WorkingDirectory: absDir,
		PoolName:         name + constants.PoolSuffix,
		JobName:          name + constants.JobSuffix,
		ContainerName:    name + constants.ContainerSuffix,
		Cases:            make(map[string]*CaseRecord),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	pool.ID = d.PoolName
	d.Pool = pool

	return &State{data: d, path: BackupPath(absDir, name)}, nil
}

// Load reads a mission from its backup file.
func Load(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mission state: %w", err)
	}
	d, err := Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &State{data: d, path: path}, nil
}

// Open restores the mission from <workingDir>/<name>_backup.dat if the file
// exists, and creates a fresh one otherwise. restored reports which happened.
// A restored mission keeps its stored pool configuration.
func Open(name, workingDir string, pool models.PoolSpec) (s *State, restored bool, err error) {
	fresh, err := New(name, workingDir, pool)
	if err != nil {
		return nil, false, err
	}

	s, err = Load(fresh.path)
	if errors.Is(err, os.ErrNotExist) {
		return fresh, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if s.data.MissionName != name {
		return nil, false, fmt.Errorf("%s belongs to mission %q, not %q", fresh.path, s.data.MissionName, name)
	}
	return s, true, nil
}

// Path returns the backup file location.
func (s *State) Path() string {
	return s.path
}

// Save writes the backup file.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *State) saveLocked() error {
	data, err := Marshal(s.data)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Write to temp file first, then rename for atomicity
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

// Case returns a copy of one case record.
func (s *State) Case(caseID string) (CaseRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.Cases[caseID]
	if !ok {
		return CaseRecord{}, false
	}
	return *rec, true
}

// Cases returns copies of all case records sorted by case ID.
func (s *State) Cases() []CaseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CaseRecord, 0, len(s.data.Cases))
	for _, rec := range s.data.Cases {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out
}

// Update applies fn to the state and persists the result under one lock.
// If fn or the save fails, the in-memory state is rolled back.
func (s *State) Update(fn func(d *Data) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.data.Clone()
	if err := fn(&s.data); err != nil {
		s.data = prev
		return err
	}
	if s.data.Cases == nil {
		s.data.Cases = make(map[string]*CaseRecord)
	}
	s.data.UpdatedAt = timestamp()
	if err := s.saveLocked(); err != nil {
		s.data = prev
		return err
	}
	return nil
}

// UpdateCase applies fn to one case record, creating it if needed, and persists.
func (s *State) UpdateCase(caseID string, fn func(rec *CaseRecord)) error {
	return s.Update(func(d *Data) error {
		rec, ok := d.Cases[caseID]
		if !ok {
			rec = &CaseRecord{CaseID: caseID}
			d.Cases[caseID] = rec
		}
		fn(rec)
		return nil
	})
}

// Remove deletes the backup file. A missing file is not an error.
func (s *State) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove mission state: %w", err)
	}
	return nil
}

func timestamp() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
