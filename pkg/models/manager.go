// Package models enforces the single-loaded-model invariant and gates
// model loads on available host memory.
package models

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pbnjay/memory"
	"github.com/rs/zerolog"

	"github.com/IvanSolovey/transcription-api/pkg/log"
	"github.com/IvanSolovey/transcription-api/pkg/metrics"
	"github.com/IvanSolovey/transcription-api/pkg/types"
)

// Approximate model footprint in RAM (INT8 quantized, GB)
var memoryRequirements = map[types.ModelSize]float64{
	types.ModelTiny:   0.5,
	types.ModelBase:   0.8,
	types.ModelSmall:  1.2,
	types.ModelMedium: 2.5,
	types.ModelLarge:  4.5,
}

const (
	// defaultModelCostGB is assumed for sizes missing from the table
	defaultModelCostGB = 2.0

	// safetyMarginGB is headroom kept free beyond the model itself
	safetyMarginGB = 0.5

	gib = 1024 * 1024 * 1024
)

// InsufficientMemoryError is returned when a strict-mode load is refused
type InsufficientMemoryError struct {
	Size   types.ModelSize
	Reason string
}

func (e *InsufficientMemoryError) Error() string {
	return fmt.Sprintf("cannot load model %s: %s", e.Size, e.Reason)
}

// LoadFunc constructs a model handle for the given size and device
type LoadFunc func(size types.ModelSize, device string) (any, error)

// Config configures a Manager
type Config struct {
	// Strict refuses loads that fail the memory gate instead of warning
	Strict bool

	// Load constructs the model handle. Nil installs a placeholder that
	// returns an opaque marker, for deployments where the engine manages
	// its own weights.
	Load LoadFunc

	// AvailableMemory and TotalMemory report host RAM in bytes.
	// Nil uses the OS figures.
	AvailableMemory func() uint64
	TotalMemory     func() uint64
}

// Manager owns the loaded model handle. Load and unload transitions are
// serialized by mu; the loaded-state snapshot is readable at any time, so
// status and gating queries never wait behind a long load.
type Manager struct {
	mu      sync.Mutex   // serializes load/unload transitions
	stateMu sync.RWMutex // guards the loaded-state fields below
	model   any
	size    types.ModelSize
	device  string
	loading atomic.Bool

	strict  bool
	load    LoadFunc
	availFn func() uint64
	totalFn func() uint64
	logger  zerolog.Logger
}

// Status is a point-in-time snapshot of the manager
type Status struct {
	ModelLoaded             bool               `json:"model_loaded"`
	CurrentModelSize        *string            `json:"current_model_size"`
	CurrentDevice           *string            `json:"current_device"`
	IsLoading               bool               `json:"is_loading"`
	AvailableMemoryGB       float64            `json:"available_memory_gb"`
	TotalMemoryGB           float64            `json:"total_memory_gb"`
	ModelMemoryRequirements map[string]float64 `json:"model_memory_requirements"`
}

// NewManager creates a model manager
func NewManager(cfg Config) *Manager {
	m := &Manager{
		strict:  cfg.Strict,
		load:    cfg.Load,
		availFn: cfg.AvailableMemory,
		totalFn: cfg.TotalMemory,
		logger:  log.WithComponent("models"),
	}
	if m.load == nil {
		m.load = func(size types.ModelSize, device string) (any, error) {
			return struct{ size types.ModelSize }{size}, nil
		}
	}
	if m.availFn == nil {
		m.availFn = memory.FreeMemory
	}
	if m.totalFn == nil {
		m.totalFn = memory.TotalMemory
	}
	return m
}

func modelCost(size types.ModelSize) float64 {
	if cost, ok := memoryRequirements[size]; ok {
		return cost
	}
	return defaultModelCostGB
}

// AvailableMemoryGB returns free host memory in GB
func (m *Manager) AvailableMemoryGB() float64 {
	return float64(m.availFn()) / gib
}

// TotalMemoryGB returns total host memory in GB
func (m *Manager) TotalMemoryGB() float64 {
	return float64(m.totalFn()) / gib
}

// IsLoading reports whether a load is in flight
func (m *Manager) IsLoading() bool {
	return m.loading.Load()
}

// CurrentSize returns the loaded model size, if any
func (m *Manager) CurrentSize() (types.ModelSize, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.model == nil {
		return "", false
	}
	return m.size, true
}

// CanLoadModel checks the memory gate without side effects. The second
// return value explains the decision.
func (m *Manager) CanLoadModel(size types.ModelSize) (bool, string) {
	m.stateMu.RLock()
	loaded := m.model != nil
	current := m.size
	m.stateMu.RUnlock()
	return m.canLoad(size, loaded, current)
}

func (m *Manager) canLoad(size types.ModelSize, loaded bool, current types.ModelSize) (bool, string) {
	if loaded && current == size {
		return true, "Model already loaded"
	}

	required := modelCost(size)
	available := m.AvailableMemoryGB()
	total := m.TotalMemoryGB()

	// Account for the current model being unloaded first
	var currentCost float64
	if loaded {
		currentCost = modelCost(current)
	}
	effective := available + currentCost
	needed := required + safetyMarginGB

	if effective < needed {
		reason := fmt.Sprintf(
			"Insufficient memory: need %.1fGB, available %.1fGB (total %.1fGB)",
			needed, effective, total,
		)
		if m.strict {
			return false, reason
		}
		m.logger.Warn().Str("model", string(size)).Msg(reason + " - attempting anyway")
		return true, "Warning: " + reason
	}
	return true, "OK"
}

// LoadModel loads the requested model, unloading the current one first.
// If the same size is already loaded and force is false, the existing
// handle is returned. Strict-mode gate failures return
// *InsufficientMemoryError and leave the state unchanged.
func (m *Manager) LoadModel(size types.ModelSize, device string, force bool) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stateMu.RLock()
	model := m.model
	loaded := model != nil
	current := m.size
	m.stateMu.RUnlock()

	if !force && loaded && current == size {
		return model, nil
	}

	if ok, reason := m.canLoad(size, loaded, current); !ok {
		return nil, &InsufficientMemoryError{Size: size, Reason: reason}
	}

	m.loading.Store(true)
	defer m.loading.Store(false)

	if loaded {
		m.logger.Info().Str("from", string(current)).Str("to", string(size)).Msg("switching model")
		m.dropModel()
	}

	start := time.Now()
	handle, err := m.load(size, device)
	if err != nil {
		m.dropModel()
		return nil, fmt.Errorf("failed to load model %s: %w", size, err)
	}

	m.stateMu.Lock()
	m.model = handle
	m.size = size
	m.device = device
	m.stateMu.Unlock()
	metrics.ModelLoaded.Set(1)
	metrics.ModelLoads.WithLabelValues(string(size)).Inc()

	m.logger.Info().
		Str("model", string(size)).
		Str("device", device).
		Dur("took", time.Since(start)).
		Float64("free_gb", m.AvailableMemoryGB()).
		Msg("model loaded")
	return handle, nil
}

// Unload drops the current model. Idempotent; reports whether a model was
// actually unloaded.
func (m *Manager) Unload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stateMu.RLock()
	loaded := m.model != nil
	old := m.size
	m.stateMu.RUnlock()
	if !loaded {
		return false
	}

	m.dropModel()
	m.logger.Info().Str("model", string(old)).Float64("free_gb", m.AvailableMemoryGB()).Msg("model unloaded")
	return true
}

// dropModel clears the loaded state and returns memory to the OS.
// Caller must hold mu.
func (m *Manager) dropModel() {
	m.stateMu.Lock()
	m.model = nil
	m.size = ""
	m.device = ""
	m.stateMu.Unlock()
	metrics.ModelLoaded.Set(0)
	debug.FreeOSMemory()
}

// Status returns a snapshot for the admin surface
func (m *Manager) Status() Status {
	m.stateMu.RLock()
	loaded := m.model != nil
	size := string(m.size)
	device := m.device
	m.stateMu.RUnlock()

	st := Status{
		ModelLoaded:             loaded,
		IsLoading:               m.loading.Load(),
		AvailableMemoryGB:       round2(m.AvailableMemoryGB()),
		TotalMemoryGB:           round2(m.TotalMemoryGB()),
		ModelMemoryRequirements: make(map[string]float64, len(memoryRequirements)),
	}
	for s, cost := range memoryRequirements {
		st.ModelMemoryRequirements[string(s)] = cost
	}
	if loaded {
		st.CurrentModelSize = &size
		st.CurrentDevice = &device
	}
	return st
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
