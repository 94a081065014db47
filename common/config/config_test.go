package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RETRIEVAL_TOPK", "8")
	t.Setenv("RETRIEVAL_SCORE_THRESHOLD", "0.5")
	t.Setenv("VECTOR_STORE_CONNECT_TIMEOUT", "5s")

	cfg, err := Load("ragd-test")
	require.NoError(t, err)

	assert.Equal(t, "ragd-test", cfg.Service.Name)
	assert.Equal(t, 9090, cfg.Service.Port)
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.Equal(t, 0.5, cfg.Retrieval.ScoreThreshold)
	assert.Equal(t, 5*time.Second, cfg.Vector.ConnectTimeout)
}

func TestLoadFallsBackOnMalformedValues(t *testing.T) {
	t.Setenv("RETRIEVAL_TOPK", "not-a-number")
	t.Setenv("MODEL_RETRY_INITIAL_BACKOFF", "soon")

	cfg, err := Load("ragd-test")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 200*time.Millisecond, cfg.Models.RetryInitialBackoff)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	t.Setenv("PORT", "99999")

	_, err := Load("ragd-test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
}

func TestValidateBounds(t *testing.T) {
	cfg, err := Load("ragd-test")
	require.NoError(t, err)

	noTopK := *cfg
	noTopK.Retrieval.TopK = 0
	assert.Error(t, noTopK.Validate())

	noOversample := *cfg
	noOversample.Retrieval.RerankOversample = 0
	assert.Error(t, noOversample.Validate())

	negativeMemory := *cfg
	negativeMemory.Memory.LimitCount = -1
	assert.Error(t, negativeMemory.Validate())
}
