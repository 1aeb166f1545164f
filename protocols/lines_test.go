package protocols

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalad-go/procrunner/proc"
)

func TestLinesStreamsEachLine(t *testing.T) {
	lines := NewLines(false)
	coord := proc.NewCoordinator(proc.Options{
		Argv:   []string{"/bin/sh", "-c", "printf 'a\\nb\\nc\\n'"},
		Stdin:  proc.ModeSuppress,
		Stdout: proc.ModePipe,
		Stderr: proc.ModeSuppress,
	}, lines, nil)

	gen, err := coord.RunStreaming(context.Background())
	require.NoError(t, err)

	var got []string
	for {
		v, ok, err := gen.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v.(string))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.NoError(t, gen.Err())
}

func TestLinesEmitsPartialTrailingLine(t *testing.T) {
	lines := NewLines(false)
	coord := proc.NewCoordinator(proc.Options{
		Argv:   []string{"/bin/sh", "-c", "printf 'a\\nb'"},
		Stdin:  proc.ModeSuppress,
		Stdout: proc.ModePipe,
		Stderr: proc.ModeSuppress,
	}, lines, nil)

	gen, err := coord.RunStreaming(context.Background())
	require.NoError(t, err)

	var got []string
	for {
		v, ok, err := gen.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v.(string))
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestLinesDropsPartialTrailingLineWhenConfigured(t *testing.T) {
	lines := NewLines(true)
	coord := proc.NewCoordinator(proc.Options{
		Argv:   []string{"/bin/sh", "-c", "printf 'a\\nb'"},
		Stdin:  proc.ModeSuppress,
		Stdout: proc.ModePipe,
		Stderr: proc.ModeSuppress,
	}, lines, nil)

	gen, err := coord.RunStreaming(context.Background())
	require.NoError(t, err)

	var got []string
	for {
		v, ok, err := gen.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v.(string))
	}
	assert.Equal(t, []string{"a"}, got)
}
