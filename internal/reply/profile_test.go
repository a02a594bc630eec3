package reply

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoss/dmpilot/internal/llm"
	"github.com/nvoss/dmpilot/internal/storage"
)

type countingProfileGen struct {
	calls int
}

func (c *countingProfileGen) GenerateProfile(ctx context.Context, transcript string) (*llm.Profile, error) {
	c.calls++
	return &llm.Profile{CasingStyle: "lowercase"}, nil
}

func setupProfiles(t *testing.T) (*ProfileService, *countingProfileGen) {
	t.Helper()
	require.NoError(t, storage.Init(filepath.Join(t.TempDir(), "test.db")))
	gen := &countingProfileGen{}
	return NewProfileService(gen), gen
}

func TestGetOrGenerateCaches(t *testing.T) {
	s, gen := setupProfiles(t)
	ctx := context.Background()

	cached, err := s.Get("alice")
	require.NoError(t, err)
	assert.Nil(t, cached)

	profile, err := s.GetOrGenerate(ctx, "alice", transcript())
	require.NoError(t, err)
	assert.Equal(t, "lowercase", profile.CasingStyle)
	assert.Equal(t, 1, gen.calls)

	_, err = s.GetOrGenerate(ctx, "alice", transcript())
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls, "cache hit must not regenerate")
}

func TestRegenerateOverwrites(t *testing.T) {
	s, gen := setupProfiles(t)
	ctx := context.Background()

	_, err := s.GetOrGenerate(ctx, "alice", transcript())
	require.NoError(t, err)

	_, err = s.Regenerate(ctx, "alice", transcript())
	require.NoError(t, err)
	assert.Equal(t, 2, gen.calls)
}

func TestRegenerateNeedsHistory(t *testing.T) {
	s, _ := setupProfiles(t)

	_, err := s.Regenerate(context.Background(), "alice", nil)
	assert.Error(t, err)
}

func TestCorruptCacheIsAMiss(t *testing.T) {
	s, gen := setupProfiles(t)

	require.NoError(t, storage.SaveProfile("alice", "{broken json"))

	profile, err := s.Get("alice")
	require.NoError(t, err)
	assert.Nil(t, profile)

	_, err = s.GetOrGenerate(context.Background(), "alice", transcript())
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls)
}

func TestUpdateWholesale(t *testing.T) {
	s, _ := setupProfiles(t)

	profile, err := s.Update("alice", json.RawMessage(`{"casing_style":"SHOUTING","abbreviations":["lol","brb"]}`))
	require.NoError(t, err)
	assert.Equal(t, "SHOUTING", profile.CasingStyle)

	stored, err := s.Get("alice")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, []string{"lol", "brb"}, stored.Abbreviations)

	_, err = s.Update("alice", json.RawMessage(`not json`))
	assert.Error(t, err)
}
