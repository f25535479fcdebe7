package csa

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContainerNameIsDeterministicPerRequestID(t *testing.T) {
	require.Equal(t, containerName("req-1"), containerName("req-1"))
	require.NotEqual(t, containerName("req-1"), containerName("req-2"))
}

func TestParseMemMB(t *testing.T) {
	mb, ok := parseMemMB("256Mi")
	require.True(t, ok)
	require.Equal(t, int64(256), mb)

	_, ok = parseMemMB("not-a-quantity")
	require.False(t, ok)
}

func TestParseMilliCPU(t *testing.T) {
	cpu, ok := parseMilliCPU("500m")
	require.True(t, ok)
	require.Equal(t, int64(500), cpu)

	_, ok = parseMilliCPU("1")
	require.False(t, ok)
}

func TestToDockerResources(t *testing.T) {
	spec := Spec{ResourceLimits: Resources{Memory: "512Mi", CPU: "250m"}}
	r := toDockerResources(spec)
	require.Equal(t, int64(512*1024*1024), r.Memory)
	require.Equal(t, int64(250_000_000), r.NanoCPUs)
}

func TestClassifyCreateErrorDistinguishesPermanentFromTransient(t *testing.T) {
	permanent := classifyCreateError(errors.New("No such image: runforge/worker:missing"))
	require.ErrorIs(t, permanent, ErrPermanent)

	transient := classifyCreateError(errors.New("connection reset by peer"))
	require.ErrorIs(t, transient, ErrTransient)
}
