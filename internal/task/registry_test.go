package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeRegistry_Register(t *testing.T) {
	t.Parallel()

	r := NewTypeRegistry()

	err := r.Register(Handler{Execute: func(context.Context, string, string, *LazyBinary) error { return nil }})
	assert.ErrorIs(t, err, ErrInvalidHandler)

	err = r.Register(Handler{Type: "Touch"})
	assert.ErrorIs(t, err, ErrInvalidHandler)

	assert.Panics(t, func() { r.MustRegister(Handler{}) })
	assert.Empty(t, r.Types())
}

func TestTypeRegistry_Execute(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := newTestRegistry(rec)

	require.NoError(t, r.Execute(context.Background(), "Write", "path", "data", StaticBinary(nil)))
	assert.Equal(t, []call{{Type: "Write", Target: "path", Payload: "data"}}, rec.Calls())

	err := r.Execute(context.Background(), "Nope", "", "", StaticBinary(nil))
	assert.ErrorIs(t, err, ErrUnknownTaskType)

	boom := errors.New("boom")
	r.MustRegister(Handler{
		Type:    "Fails",
		Execute: func(context.Context, string, string, *LazyBinary) error { return boom },
	})
	assert.ErrorIs(t, r.Execute(context.Background(), "Fails", "", "", nil), boom)
}

func TestTypeRegistry_Metadata(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(&recorder{})

	assert.Equal(t, OptimizeGroupAndMerge, r.OptimizeStrategy("Touch"))
	assert.Equal(t, OptimizeNone, r.OptimizeStrategy("Write"))
	assert.Equal(t, OptimizeNone, r.OptimizeStrategy("Unknown"))

	assert.True(t, r.IsMemoryTask("Memory"))
	assert.False(t, r.IsMemoryTask("Write"))

	assert.Equal(t, []string{"Memory", "Touch", TypeUpdateLicense, "Write"}, r.Types())
	assert.Equal(t, "group_and_merge", OptimizeGroupAndMerge.String())
	assert.Equal(t, "none", OptimizeNone.String())
}

func TestTypeRegistry_CanCreate(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(&recorder{})
	guarded := recordingHandler(&recorder{}, "Guarded", OptimizeNone)
	guarded.CanCreate = RequireTarget
	r.MustRegister(guarded)

	assert.True(t, r.CanCreate(&Task{Type: "Write"}))
	assert.False(t, r.CanCreate(&Task{Type: "Unknown"}), "unknown types are rejected")
	assert.False(t, r.CanCreate(&Task{Type: "Guarded"}))
	assert.True(t, r.CanCreate(&Task{Type: "Guarded", Target: "x"}))
}

func TestSystemTaskTypes(t *testing.T) {
	t.Parallel()

	types := SystemTaskTypes()
	assert.Len(t, types, 8)
	assert.Contains(t, types, TypeTouchSystemCacheKey)

	types[0] = "mutated"
	assert.Equal(t, TypeRestartApplication, SystemTaskTypes()[0], "returns a copy")

	assert.True(t, IsSystemTaskType(TypeUpdateLicense))
	assert.False(t, IsSystemTaskType("Write"))
}

func TestLazyBinary(t *testing.T) {
	t.Parallel()

	loads := 0
	b := NewLazyBinary(func(context.Context) ([]byte, error) {
		loads++
		return []byte("blob"), nil
	})
	assert.False(t, b.Loaded())

	for i := 0; i < 3; i++ {
		data, err := b.Bytes(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("blob"), data)
	}
	assert.True(t, b.Loaded())
	assert.Equal(t, 1, loads)

	static, err := StaticBinary(nil).Bytes(context.Background())
	require.NoError(t, err)
	assert.Nil(t, static)
}
