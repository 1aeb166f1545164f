package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionSentinelDecoderFramesResponses(t *testing.T) {
	session := NewSession(Config{
		Argv:       []string{"/bin/cat"},
		Decoder:    Sentinel(),
		CloseGrace: time.Second,
	})
	defer session.Close(context.Background())

	resp, err := session.Submit(context.Background(), []string{"one\n\n"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"one", ""}}, resp)

	resp, err = session.Submit(context.Background(), []string{"two\n\n"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"two", ""}}, resp)
}

func TestSessionFixedCountDecoderFramesResponses(t *testing.T) {
	session := NewSession(Config{
		Argv:       []string{"/bin/cat"},
		Decoder:    FixedCount(2),
		CloseGrace: time.Second,
	})
	defer session.Close(context.Background())

	resp, err := session.Submit(context.Background(), []string{"a\nb\n"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}}, resp)
}

func TestSessionSubmitOrdersResponsesWithRequests(t *testing.T) {
	session := NewSession(Config{
		Argv:       []string{"/bin/cat"},
		Decoder:    Sentinel(),
		CloseGrace: time.Second,
	})
	defer session.Close(context.Background())

	resp, err := session.Submit(context.Background(), []string{"one\n\n", "two\n\n"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"one", ""}, {"two", ""}}, resp)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	session := NewSession(Config{
		Argv:       []string{"/bin/cat"},
		Decoder:    Sentinel(),
		CloseGrace: time.Second,
	})
	_, err := session.Submit(context.Background(), []string{"x\n\n"})
	require.NoError(t, err)

	require.NoError(t, session.Close(context.Background()))
	require.NoError(t, session.Close(context.Background()))
}
