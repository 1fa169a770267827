package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(*Context) (any, error) { return nil, nil }

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(FunctionSpec{ID: "a", EventName: "x", Handler: noop}))
	err := r.Register(FunctionSpec{ID: "a", EventName: "y", Handler: noop})
	assert.ErrorContains(t, err, "duplicate function id")
}

func TestRegistryRejectsIncomplete(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(FunctionSpec{EventName: "x", Handler: noop}))
	assert.Error(t, r.Register(FunctionSpec{ID: "a", Handler: noop}))
	assert.Error(t, r.Register(FunctionSpec{ID: "a", EventName: "x"}))
}

func TestRegistryByEvent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(FunctionSpec{ID: "a", EventName: "shared", Handler: noop}))
	require.NoError(t, r.Register(FunctionSpec{ID: "b", EventName: "shared", Handler: noop}))
	require.NoError(t, r.Register(FunctionSpec{ID: "c", EventName: "other", Handler: noop}))

	assert.Len(t, r.ByEvent("shared"), 2)
	assert.Len(t, r.ByEvent("other"), 1)
	assert.Empty(t, r.ByEvent("missing"))
}

func TestRegistryCronSpecs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(FunctionSpec{ID: "a", EventName: "x", Handler: noop}))
	require.NoError(t, r.Register(FunctionSpec{ID: "b", EventName: "y", Cron: "0 */4 * * *", Handler: noop}))
	require.NoError(t, r.Register(FunctionSpec{ID: "c", EventName: "z", Cron: "0 9,17 * * *", Handler: noop}))

	specs := r.CronSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, "b", specs[0].ID)
	assert.Equal(t, "c", specs[1].ID)
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 1, FunctionSpec{}.MaxAttempts())
	assert.Equal(t, 4, FunctionSpec{Retries: 3}.MaxAttempts())
}
