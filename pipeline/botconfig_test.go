package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithOverlayMergesSparsePatch(t *testing.T) {
	base := testBot()

	patch := []byte(`{
		"retrieve_mode": "mix",
		"topk": 7,
		"enable_knowledge_graph": true,
		"completion": {"temperature": 0.1},
		"welcome": {"oops": "nothing found", "faq": ["a", "b"]}
	}`)

	got, err := base.WithOverlay(patch)
	require.NoError(t, err)

	assert.Equal(t, ModeMix, got.RetrieveMode)
	assert.Equal(t, 7, got.TopK)
	assert.True(t, got.EnableKnowledgeGraph)
	assert.Equal(t, 0.1, got.Completion.Temperature)
	assert.Equal(t, "nothing found", got.Welcome.Oops)
	assert.Equal(t, []string{"a", "b"}, got.Welcome.FAQ)

	// Untouched fields survive the merge
	assert.Equal(t, base.Completion.Model, got.Completion.Model)
	assert.Equal(t, base.Completion.PromptTemplate, got.Completion.PromptTemplate)
	assert.Equal(t, base.MemoryLimitCount, got.MemoryLimitCount)
}

func TestWithOverlayEmptyPatchReturnsBase(t *testing.T) {
	base := testBot()

	got, err := base.WithOverlay(nil)
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestWithOverlayRejectsMalformedPatch(t *testing.T) {
	_, err := testBot().WithOverlay([]byte(`{"topk": `))
	assert.Error(t, err)
}

func TestWithOverlayValidatesResult(t *testing.T) {
	_, err := testBot().WithOverlay([]byte(`{"retrieve_mode": "psychic"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown retrieve mode")

	_, err = testBot().WithOverlay([]byte(`{"topk": 0}`))
	assert.Error(t, err)
}

func TestValidateBounds(t *testing.T) {
	bot := testBot()
	require.NoError(t, bot.Validate())

	noModel := bot
	noModel.Completion.Model = ""
	assert.Error(t, noModel.Validate())

	noTemplate := bot
	noTemplate.Completion.PromptTemplate = ""
	assert.Error(t, noTemplate.Validate())
}
