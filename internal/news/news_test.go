package news

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/health-report/internal/llm"
	"github.com/sells-group/health-report/internal/llm/mocks"
	"github.com/sells-group/health-report/internal/resilience"
)

func TestNormalizeTerms(t *testing.T) {
	got := NormalizeTerms([]string{"SRAG", " srag ", "", "  ", "síndrome  respiratória", "gripe", "covid"}, 3)
	assert.Equal(t, []string{"SRAG", "síndrome respiratória", "gripe"}, got)

	assert.Empty(t, NormalizeTerms(nil, 3))
	assert.Len(t, NormalizeTerms([]string{"a", "b", "c", "d"}, 0), 4)
}

func TestMergeHits(t *testing.T) {
	merged := MergeHits([]TermHits{
		{Term: "a", Hits: []Hit{{URL: "u1"}, {URL: "u2"}, {URL: "u3"}}},
		{Term: "b", Hits: []Hit{{URL: "u3"}, {URL: "u4"}, {URL: ""}, {URL: "u5"}}},
	})
	require.Len(t, merged, 5)
	assert.Equal(t, "u1", merged[0].URL)
	assert.Equal(t, "a", merged[2].Term)
	assert.Equal(t, "u4", merged[3].URL)
	assert.Equal(t, "b", merged[3].Term)
}

func TestMergeHitsExactStringDedup(t *testing.T) {
	merged := MergeHits([]TermHits{
		{Term: "a", Hits: []Hit{{URL: "https://x.com/a"}, {URL: "https://x.com/a/"}}},
	})
	assert.Len(t, merged, 2)
}

func TestStaticExpander(t *testing.T) {
	terms, err := StaticExpander{Synonyms: []string{"gripe"}}.Expand(context.Background(), "SRAG")
	require.NoError(t, err)
	assert.Equal(t, []string{"SRAG", "gripe"}, terms)
}

func TestLLMExpander(t *testing.T) {
	c := mocks.NewMockCompleter(t)
	c.On("Complete", mock.Anything, mock.MatchedBy(func(r llm.Request) bool {
		return r.Purpose == "expand" && r.JSON
	})).Return(`{"terms": ["SRAG", "síndrome respiratória aguda grave"]}`, nil)

	terms, err := NewLLMExpander(c, 3, 0.2, 256).Expand(context.Background(), "SRAG")
	require.NoError(t, err)
	assert.Equal(t, []string{"SRAG", "síndrome respiratória aguda grave"}, terms)
}

func TestLLMExpanderErrors(t *testing.T) {
	c := mocks.NewMockCompleter(t)
	c.On("Complete", mock.Anything, mock.Anything).Return("", resilience.E(resilience.TransientIO, "openai", errors.New("503"))).Once()
	c.On("Complete", mock.Anything, mock.Anything).Return("no idea", nil).Once()

	e := NewLLMExpander(c, 3, 0, 0)
	_, err := e.Expand(context.Background(), "SRAG")
	assert.True(t, resilience.IsTransient(err))

	_, err = e.Expand(context.Background(), "SRAG")
	assert.Equal(t, resilience.PermanentInput, resilience.KindOf(err))
}
