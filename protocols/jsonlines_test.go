package protocols

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalad-go/procrunner/proc"
)

func TestJSONLinesDecodesEachRecord(t *testing.T) {
	jl := NewJSONLines()
	coord := proc.NewCoordinator(proc.Options{
		Argv:   []string{"/bin/sh", "-c", `printf '{"a":1}\n{"b":2}\n'`},
		Stdin:  proc.ModeSuppress,
		Stdout: proc.ModePipe,
		Stderr: proc.ModeSuppress,
	}, jl, nil)

	gen, err := coord.RunStreaming(context.Background())
	require.NoError(t, err)

	var got []any
	for {
		v, ok, err := gen.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.Len(t, got, 2)
	assert.Equal(t, map[string]any{"a": float64(1)}, got[0])
	assert.Equal(t, map[string]any{"b": float64(2)}, got[1])
}

func TestJSONLinesSurfacesDecodeErrorWithoutAbortingStream(t *testing.T) {
	jl := NewJSONLines()
	coord := proc.NewCoordinator(proc.Options{
		Argv:   []string{"/bin/sh", "-c", `printf 'not json\n{"ok":true}\n'`},
		Stdin:  proc.ModeSuppress,
		Stdout: proc.ModePipe,
		Stderr: proc.ModeSuppress,
	}, jl, nil)

	gen, err := coord.RunStreaming(context.Background())
	require.NoError(t, err)

	v, ok, err := gen.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	_, isErr := v.(error)
	assert.True(t, isErr)

	v, ok, err = gen.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"ok": true}, v)
}
