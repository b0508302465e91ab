package runtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/containerd/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acepool/acepool/pkg/types"
)

func TestNetworkModeJoinTarget(t *testing.T) {
	assert.Equal(t, "", NetworkModeHost.JoinTarget())
	assert.Equal(t, "gluetun", NetworkModeContainer("gluetun").JoinTarget())
	assert.Equal(t, "", NetworkMode("").JoinTarget())
}

func TestNormalizeImage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"acestream/engine:latest", "docker.io/acestream/engine:latest"},
		{"redis", "docker.io/library/redis"},
		{"ghcr.io/qdm12/gluetun:v3", "ghcr.io/qdm12/gluetun:v3"},
		{"localhost/engine:dev", "localhost/engine:dev"},
		{"registry:5000/engine", "registry:5000/engine"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeImage(tt.in), tt.in)
	}
}

func TestTranslateError(t *testing.T) {
	notFound := fmt.Errorf("load: %w", errdefs.ErrNotFound)
	err := translateError("abc", notFound)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.NotErrorIs(t, err, types.ErrRuntimeUnavailable)

	unavailable := fmt.Errorf("rpc: %w", errdefs.ErrUnavailable)
	err = translateError("abc", unavailable)
	assert.ErrorIs(t, err, types.ErrRuntimeUnavailable)

	conn := fmt.Errorf(`dial unix /run/containerd/containerd.sock: connect: connection refused`)
	assert.ErrorIs(t, translateError("", conn), types.ErrRuntimeUnavailable)

	plain := fmt.Errorf("boom")
	assert.Equal(t, plain, translateError("abc", plain))
	assert.NoError(t, translateError("abc", nil))
}

func TestEnsureTimeoutRespectsExistingDeadline(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	ctx, done := ensureTimeout(parent, time.Second)
	defer done()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), deadline, time.Minute)

	ctx2, done2 := ensureTimeout(context.Background(), time.Second)
	defer done2()
	_, ok = ctx2.Deadline()
	assert.True(t, ok)
}

func TestFakeLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	info, err := f.Create(ctx, &ContainerSpec{
		Name:   "acestream-1",
		Image:  "acestream/engine:latest",
		Labels: map[string]string{types.LabelManaged: types.LabelManagedValue},
	})
	require.NoError(t, err)
	assert.True(t, info.Running)

	// Unmanaged containers stay out of ListManaged.
	f.Add(ContainerInfo{ID: "bystander", Labels: map[string]string{}}, true)

	managed, err := f.ListManaged(ctx)
	require.NoError(t, err)
	require.Len(t, managed, 1)
	assert.Equal(t, "acestream-1", managed[0].ID)

	require.NoError(t, f.Stop(ctx, "acestream-1", time.Second))
	got, err := f.Inspect(ctx, "acestream-1")
	require.NoError(t, err)
	assert.False(t, got.Running)

	require.NoError(t, f.Remove(ctx, "acestream-1"))
	_, err = f.Inspect(ctx, "acestream-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestFakeUnavailable(t *testing.T) {
	f := NewFake()
	f.Unavailable = true
	ctx := context.Background()

	_, err := f.ListManaged(ctx)
	assert.ErrorIs(t, err, types.ErrRuntimeUnavailable)
	_, err = f.Create(ctx, &ContainerSpec{Name: "x"})
	assert.ErrorIs(t, err, types.ErrRuntimeUnavailable)
	assert.ErrorIs(t, f.Stop(ctx, "x", time.Second), types.ErrRuntimeUnavailable)
}

func TestFakeExec(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.Add(ContainerInfo{ID: "eng", Labels: map[string]string{types.LabelManaged: types.LabelManagedValue}}, true)
	f.ExecResponses["rm -rf /home/appuser/.ACEStream/.acestream_cache"] = ""

	_, err := f.Exec(ctx, "eng", []string{"rm", "-rf", "/home/appuser/.ACEStream/.acestream_cache"})
	require.NoError(t, err)
	require.Len(t, f.Execs, 1)
	assert.Equal(t, "eng", f.Execs[0].ID)

	f.SetRunning("eng", false)
	_, err = f.Exec(ctx, "eng", []string{"true"})
	assert.Error(t, err)
}
