package offline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/repowiki/internal/llm"
)

func TestOpenResolvesOfflineProvider(t *testing.T) {
	gen, emb, err := llm.Open(Name, "any-model")
	require.NoError(t, err)
	require.NotNil(t, gen)
	require.NotNil(t, emb)
	assert.Greater(t, emb.Dimension(), 0)
}

func TestGenerateIsDeterministic(t *testing.T) {
	ctx := context.Background()
	gen, _, err := llm.Open(Name, "")
	require.NoError(t, err)

	msgs := []llm.Message{
		{Role: "system", Content: "You write precise technical documentation."},
		{Role: "user", Content: "Document the Entry Point page.\nContext follows."},
	}
	a, err := gen.Generate(ctx, msgs, llm.Options{})
	require.NoError(t, err)
	b, err := gen.Generate(ctx, msgs, llm.Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, a.Text)
	assert.Equal(t, a.Text, b.Text)
	assert.Contains(t, a.Text, "Entry Point")
}

func TestOpenUnknownProviderListsRegistered(t *testing.T) {
	_, _, err := llm.Open("no-such-provider", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-provider")
	assert.Contains(t, err.Error(), Name)
}
