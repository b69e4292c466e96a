package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	base := errors.New("429 slow down")
	err := Wrap(KindRateLimit, base)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsContextLength(err))
	assert.ErrorIs(t, err, base)

	err = Wrap(KindContextLength, errors.New("too big"))
	assert.True(t, IsContextLength(err))
	assert.False(t, IsRetryable(err))

	err = Wrap(KindFatal, errors.New("bad request"))
	assert.False(t, IsRetryable(err))
	assert.False(t, IsContextLength(err))

	assert.Nil(t, Wrap(KindFatal, nil))
}

func TestIsContextLengthKeywordFallback(t *testing.T) {
	cases := []string{
		"provider said: context_length_exceeded",
		"This model's maximum context length is 128000 tokens",
		"request too large for model",
	}
	for _, msg := range cases {
		assert.True(t, IsContextLength(errors.New(msg)), msg)
	}
	assert.False(t, IsContextLength(errors.New("connection refused")))
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := &HashEmbedder{Dim: 8}
	a, err := e.Embed(context.Background(), []string{"hello", "world"})
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), []string{"hello", "world"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a[0], a[1])
	assert.Len(t, a[0], 8)
	assert.Equal(t, 2, e.Calls())
}

func TestScriptedGenerator(t *testing.T) {
	g := &ScriptedGenerator{
		Responses: []Response{{Text: "one"}, {Text: "two"}},
	}
	r, err := g.Generate(context.Background(), []Message{{Role: "user", Content: "x"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "one", r.Text)

	ch, err := g.Stream(context.Background(), nil, Options{})
	require.NoError(t, err)
	var got string
	for tok := range ch {
		got += tok
	}
	assert.Equal(t, "two", got)
	assert.Equal(t, 2, g.CallCount())
}
