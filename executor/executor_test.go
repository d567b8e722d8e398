package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureSetHas(t *testing.T) {
	fs := FeatureSet{FeatureOutputVolumes: true}
	assert.True(t, fs.Has(FeatureOutputVolumes))
	assert.False(t, fs.Has(FeatureExposePort))
}

func TestLaunchArgResolveString(t *testing.T) {
	a := LaunchArg{Kind: LaunchArgString, Value: "--verbose"}
	v, err := a.Resolve(&BatchState{})
	require.NoError(t, err)
	assert.Equal(t, "--verbose", v)
}

func TestLaunchArgResolvePath(t *testing.T) {
	state := &BatchState{Volumes: map[string]Volume{
		"config": {Name: "config", Type: VolumeConfig, Path: "/sandbox/config"},
	}}

	a := LaunchArg{Kind: LaunchArgPath, Volume: "config", Value: "job_config.json"}
	v, err := a.Resolve(state)
	require.NoError(t, err)
	assert.Equal(t, "/sandbox/config/job_config.json", v)
}

func TestLaunchArgResolvePathCollapsesTraversal(t *testing.T) {
	state := &BatchState{Volumes: map[string]Volume{
		"config": {Name: "config", Type: VolumeConfig, Path: "/sandbox/config"},
	}}

	a := LaunchArg{Kind: LaunchArgPath, Volume: "config", Value: "../../etc/passwd"}
	v, err := a.Resolve(state)
	require.NoError(t, err)
	assert.Equal(t, "/sandbox/config/etc/passwd", v)
}

func TestLaunchArgResolveUnknownVolume(t *testing.T) {
	a := LaunchArg{Kind: LaunchArgPath, Volume: "missing", Value: "x"}
	_, err := a.Resolve(&BatchState{Volumes: map[string]Volume{}})
	assert.Error(t, err)
}

func TestValidVolumeName(t *testing.T) {
	assert.True(t, validVolumeName("config"))
	assert.False(t, validVolumeName(""))
	assert.False(t, validVolumeName("."))
	assert.False(t, validVolumeName(".."))
	assert.False(t, validVolumeName("a/b"))
	assert.False(t, validVolumeName(`a\b`))
}

func TestRegistryGetAndRegister(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("local")
	assert.Error(t, err)

	r.Register("local", NewLocalExecutor(t.TempDir()))
	e, err := r.Get("local")
	require.NoError(t, err)
	assert.Equal(t, "local", e.Name())
}
