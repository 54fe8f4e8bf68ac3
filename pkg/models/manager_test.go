package models

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanSolovey/transcription-api/pkg/types"
)

func gbBytes(g float64) uint64 {
	return uint64(g * gib)
}

func fixedMemory(availableGB, totalGB float64) (func() uint64, func() uint64) {
	return func() uint64 { return gbBytes(availableGB) },
		func() uint64 { return gbBytes(totalGB) }
}

func TestStrictGateRefusesLoad(t *testing.T) {
	avail, total := fixedMemory(1.0, 8.0)
	m := NewManager(Config{Strict: true, AvailableMemory: avail, TotalMemory: total})

	_, err := m.LoadModel(types.ModelLarge, "cpu", false)
	var memErr *InsufficientMemoryError
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, types.ModelLarge, memErr.Size)
	assert.Equal(t, "Insufficient memory: need 5.0GB, available 1.0GB (total 8.0GB)", memErr.Reason)

	_, loaded := m.CurrentSize()
	assert.False(t, loaded)

	ok, reason := m.CanLoadModel(types.ModelLarge)
	assert.False(t, ok)
	assert.Contains(t, reason, "Insufficient memory")
}

func TestLenientGateWarnsAndLoads(t *testing.T) {
	avail, total := fixedMemory(1.0, 8.0)
	m := NewManager(Config{Strict: false, AvailableMemory: avail, TotalMemory: total})

	ok, reason := m.CanLoadModel(types.ModelLarge)
	assert.True(t, ok)
	assert.Contains(t, reason, "Warning: Insufficient memory")

	_, err := m.LoadModel(types.ModelLarge, "cpu", false)
	require.NoError(t, err)
	size, loaded := m.CurrentSize()
	assert.True(t, loaded)
	assert.Equal(t, types.ModelLarge, size)
}

func TestGateCountsCurrentModelAsReclaimable(t *testing.T) {
	// Only 1GB free, but the loaded large model frees 4.5GB when swapped out
	avail, total := fixedMemory(1.0, 8.0)
	m := NewManager(Config{Strict: true, AvailableMemory: avail, TotalMemory: total})

	ok, _ := m.CanLoadModel(types.ModelMedium)
	require.False(t, ok)

	bigAvail, _ := fixedMemory(6.0, 8.0)
	m2 := NewManager(Config{Strict: true, AvailableMemory: bigAvail, TotalMemory: total})
	_, err := m2.LoadModel(types.ModelLarge, "cpu", false)
	require.NoError(t, err)

	m2.availFn = avail
	ok, reason := m2.CanLoadModel(types.ModelMedium)
	assert.True(t, ok)
	assert.Equal(t, "OK", reason)
}

func TestSingletonSwitch(t *testing.T) {
	avail, total := fixedMemory(16.0, 16.0)
	var loads atomic.Int32
	m := NewManager(Config{
		AvailableMemory: avail,
		TotalMemory:     total,
		Load: func(size types.ModelSize, device string) (any, error) {
			loads.Add(1)
			return string(size), nil
		},
	})

	_, err := m.LoadModel(types.ModelTiny, "cpu", false)
	require.NoError(t, err)
	size, _ := m.CurrentSize()
	assert.Equal(t, types.ModelTiny, size)

	_, err = m.LoadModel(types.ModelBase, "cpu", false)
	require.NoError(t, err)
	size, _ = m.CurrentSize()
	assert.Equal(t, types.ModelBase, size)
	assert.Equal(t, int32(2), loads.Load())
}

func TestSameSizeShortCircuit(t *testing.T) {
	avail, total := fixedMemory(16.0, 16.0)
	var loads atomic.Int32
	m := NewManager(Config{
		AvailableMemory: avail,
		TotalMemory:     total,
		Load: func(size types.ModelSize, device string) (any, error) {
			loads.Add(1)
			return string(size), nil
		},
	})

	_, err := m.LoadModel(types.ModelSmall, "cpu", false)
	require.NoError(t, err)
	_, err = m.LoadModel(types.ModelSmall, "cpu", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), loads.Load())

	_, err = m.LoadModel(types.ModelSmall, "cpu", true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}

func TestUnloadIdempotent(t *testing.T) {
	avail, total := fixedMemory(16.0, 16.0)
	m := NewManager(Config{AvailableMemory: avail, TotalMemory: total})

	assert.False(t, m.Unload())

	_, err := m.LoadModel(types.ModelTiny, "cpu", false)
	require.NoError(t, err)
	assert.True(t, m.Unload())
	assert.False(t, m.Unload())

	_, loaded := m.CurrentSize()
	assert.False(t, loaded)
}

func TestStatusSnapshot(t *testing.T) {
	avail, total := fixedMemory(6.0, 8.0)
	m := NewManager(Config{AvailableMemory: avail, TotalMemory: total})

	st := m.Status()
	assert.False(t, st.ModelLoaded)
	assert.Nil(t, st.CurrentModelSize)
	assert.Nil(t, st.CurrentDevice)
	assert.False(t, st.IsLoading)
	assert.Equal(t, 6.0, st.AvailableMemoryGB)
	assert.Equal(t, 8.0, st.TotalMemoryGB)
	assert.Equal(t, 4.5, st.ModelMemoryRequirements["large"])

	_, err := m.LoadModel(types.ModelBase, "cuda", false)
	require.NoError(t, err)

	st = m.Status()
	assert.True(t, st.ModelLoaded)
	require.NotNil(t, st.CurrentModelSize)
	assert.Equal(t, "base", *st.CurrentModelSize)
	require.NotNil(t, st.CurrentDevice)
	assert.Equal(t, "cuda", *st.CurrentDevice)
}

func TestLoadFailureClearsState(t *testing.T) {
	avail, total := fixedMemory(16.0, 16.0)
	m := NewManager(Config{
		AvailableMemory: avail,
		TotalMemory:     total,
		Load: func(size types.ModelSize, device string) (any, error) {
			if size == types.ModelMedium {
				return nil, assert.AnError
			}
			return string(size), nil
		},
	})

	_, err := m.LoadModel(types.ModelTiny, "cpu", false)
	require.NoError(t, err)

	_, err = m.LoadModel(types.ModelMedium, "cpu", false)
	require.Error(t, err)

	// The old model was dropped before the failed load; nothing is loaded now
	_, loaded := m.CurrentSize()
	assert.False(t, loaded)
	assert.False(t, m.IsLoading())
}
