package ml

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/ocdev21/l1sentry/internal/config"
	"github.com/ocdev21/l1sentry/internal/logging"
)

// ManagerState is the incremental learning lifecycle phase.
type ManagerState string

const (
	StateAccumulating ManagerState = "accumulating"
	StateRetraining   ManagerState = "retraining"
)

// ErrStoreUnavailable marks a store that cannot serve reads or writes.
var ErrStoreUnavailable = errors.New("model store unavailable")

// ErrNotFound is returned when a store has no blob under the given name.
var ErrNotFound = errors.New("not found in store")

// RetrainError wraps a failed retraining pass. The serving models are left
// untouched when this is returned.
type RetrainError struct {
	FilesProcessed int
	Err            error
}

func (e *RetrainError) Error() string {
	return fmt.Sprintf("retrain after %d files: %v", e.FilesProcessed, e.Err)
}

func (e *RetrainError) Unwrap() error { return e.Err }

// Store persists opaque named blobs. Implementations are supplied by the
// caller; the engine defines only the shape of what it stores.
type Store interface {
	Save(name string, data []byte) error
	Load(name string) ([]byte, error)
}

// Blob names used by the manager.
const (
	blobEnsemble = "ensemble_state.json"
	blobFeatures = "accumulated_features.json"
)

// Manager owns the ensemble lifecycle: it accumulates feature windows per
// processed file and retrains all models from scratch on the accumulated set
// every RetrainFileThreshold files. Retraining is all-or-nothing: a failure
// leaves the serving models and the accumulation buffer intact.
type Manager struct {
	mu          sync.Mutex
	cfg         config.EnsembleConfig
	ensemble    *Ensemble
	store       Store // optional
	accumulated [][]float64
	files       int
	state       ManagerState
	log         *logging.Logger
}

// NewManager creates a manager. A nil store disables persistence.
func NewManager(cfg config.EnsembleConfig, store Store) *Manager {
	m := &Manager{
		cfg:      cfg,
		ensemble: NewEnsemble(cfg),
		store:    store,
		state:    StateAccumulating,
		log:      logging.MLLogger(),
	}
	if store != nil {
		if data, err := store.Load(blobEnsemble); err == nil {
			if err := m.ensemble.UnmarshalState(data); err != nil {
				m.log.Warn("ignoring stale ensemble state", logging.Err(err))
			} else {
				m.log.Info("restored ensemble state from store")
			}
		}
		if data, err := store.Load(blobFeatures); err == nil {
			var saved accumulatedFeatures
			if err := json.Unmarshal(data, &saved); err == nil {
				m.accumulated = saved.Windows
				m.files = saved.Files
			}
		}
	}
	return m
}

// State returns the current lifecycle phase.
func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FilesProcessed returns how many files have been scored since the last
// successful retrain.
func (m *Manager) FilesProcessed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files
}

// ShouldRetrain reports whether an accumulated-file count reaches the
// retrain threshold.
func (m *Manager) ShouldRetrain(fileCount int) bool {
	return fileCount >= m.cfg.RetrainFileThreshold
}

// Trained reports whether the ensemble has been fitted at least once.
func (m *Manager) Trained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensemble.Trained
}

// ProcessFile accumulates one file's feature windows, retrains when the file
// threshold is reached, and scores the windows with the serving models.
// A retrain failure is reported through the error while the verdicts from
// the still-serving models remain valid.
func (m *Manager) ProcessFile(ctx context.Context, features [][]float64) ([]Verdict, error) {
	if err := checkDimensions(features); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.accumulated = append(m.accumulated, features...)
	m.files++

	var retrainErr error
	if m.ShouldRetrain(m.files) {
		retrainErr = m.retrainLocked(ctx)
	}

	verdicts, err := m.ensemble.Score(features)
	if err != nil {
		return nil, err
	}

	m.persistLocked()
	return verdicts, retrainErr
}

// retrainLocked rebuilds all models from the accumulated windows. On success
// the counter and buffer reset; on failure everything is left as it was.
func (m *Manager) retrainLocked(ctx context.Context) error {
	m.state = StateRetraining
	defer func() { m.state = StateAccumulating }()

	retrainCtx := ctx
	if m.cfg.RetrainTimeout > 0 {
		var cancel context.CancelFunc
		retrainCtx, cancel = context.WithTimeout(ctx, m.cfg.RetrainTimeout)
		defer cancel()
	}
	if err := retrainCtx.Err(); err != nil {
		return &RetrainError{FilesProcessed: m.files, Err: err}
	}

	m.log.Info("retraining ensemble",
		"files", m.files, "windows", len(m.accumulated))

	candidate := NewEnsemble(m.cfg)
	if err := candidate.Train(m.accumulated); err != nil {
		m.log.Error("retrain failed, keeping serving models", logging.Err(err))
		return &RetrainError{FilesProcessed: m.files, Err: err}
	}

	m.ensemble = candidate
	m.files = 0
	m.accumulated = nil
	m.log.Info("retrain complete")
	return nil
}

// accumulatedFeatures is the persisted accumulation buffer.
type accumulatedFeatures struct {
	Files   int         `json:"files"`
	Windows [][]float64 `json:"windows"`
}

// persistLocked writes the ensemble state and accumulation buffer through
// the store, if any.
func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}

	if m.ensemble.Trained {
		data, err := m.ensemble.MarshalState()
		if err != nil {
			m.log.Warn("cannot serialize ensemble state", logging.Err(err))
		} else if err := m.store.Save(blobEnsemble, data); err != nil {
			m.log.Warn("cannot persist ensemble state", logging.Err(err))
		}
	}

	data, err := json.Marshal(accumulatedFeatures{Files: m.files, Windows: m.accumulated})
	if err != nil {
		return
	}
	if err := m.store.Save(blobFeatures, data); err != nil {
		m.log.Warn("cannot persist accumulated features", logging.Err(err))
	}
}

// FileStore persists blobs as files with a BLAKE3 checksum sidecar; loads
// verify integrity before returning data.
type FileStore struct {
	dir string
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the blob and its checksum atomically via a rename.
func (s *FileStore) Save(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sum := blake3.Sum256(data)
	if err := os.WriteFile(path+".b3", []byte(hex.EncodeToString(sum[:])), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Load reads a blob and verifies its checksum.
func (s *FileStore) Load(name string) ([]byte, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sumHex, err := os.ReadFile(path + ".b3")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: checksum sidecar missing: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sum := blake3.Sum256(data)
	if hex.EncodeToString(sum[:]) != string(sumHex) {
		return nil, fmt.Errorf("%s: checksum mismatch", name)
	}
	return data, nil
}
