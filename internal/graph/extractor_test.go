package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quiverdocs/quiver/internal/errors"
	"github.com/quiverdocs/quiver/internal/llm"
)

// scriptedLLM returns canned responses, for extractor tests.
type scriptedLLM struct {
	response  string
	reasoning string
	err       error
	prompts   []string
}

func (s *scriptedLLM) Generate(ctx context.Context, model, prompt string, opts llm.GenerateOptions) (*llm.GenerateResponse, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return nil, s.err
	}
	return &llm.GenerateResponse{Response: s.response, Reasoning: s.reasoning}, nil
}

func newTestExtractor(client llm.Client) *Extractor {
	return NewExtractor(client, "test-model", time.Second)
}

const validExtraction = `{
	"entities": [
		{"name": "Kant", "type": "PERSON", "description": "German philosopher"},
		{"name": "Critique of Pure Reason", "type": "PAPER"}
	],
	"relationships": [
		{"source": "Kant", "target": "Critique of Pure Reason", "type": "AUTHORED"}
	]
}`

func TestExtractor_ParsesCleanJSON(t *testing.T) {
	ext, err := newTestExtractor(&scriptedLLM{response: validExtraction}).Extract(context.Background(), "some chunk")
	require.NoError(t, err)

	require.Len(t, ext.Entities, 2)
	assert.Equal(t, "Kant", ext.Entities[0].Name)
	assert.Equal(t, "PERSON", ext.Entities[0].Type)
	assert.Equal(t, 1.0, ext.Entities[0].Confidence)

	require.Len(t, ext.Relationships, 1)
	assert.Equal(t, "AUTHORED", ext.Relationships[0].Type)
}

func TestExtractor_StripsMarkdownFences(t *testing.T) {
	wrapped := "Here is the result:\n```json\n" + validExtraction + "\n```\nDone."

	ext, err := newTestExtractor(&scriptedLLM{response: wrapped}).Extract(context.Background(), "chunk")
	require.NoError(t, err)
	assert.Len(t, ext.Entities, 2)
}

func TestExtractor_FallsBackToReasoningField(t *testing.T) {
	client := &scriptedLLM{response: "   ", reasoning: "thinking... " + validExtraction}

	ext, err := newTestExtractor(client).Extract(context.Background(), "chunk")
	require.NoError(t, err)
	assert.Len(t, ext.Entities, 2)
}

func TestParseExtraction_RepairsSingleQuotes(t *testing.T) {
	raw := `{'entities': [{'name': 'Kant', 'type': 'PERSON'}], 'relationships': []}`

	ext, err := parseExtraction(raw)
	require.NoError(t, err)
	require.Len(t, ext.Entities, 1)
	assert.Equal(t, "Kant", ext.Entities[0].Name)
}

func TestParseExtraction_RepairsTrailingCommas(t *testing.T) {
	raw := `{"entities": [{"name": "Kant", "type": "PERSON",},], "relationships": [],}`

	ext, err := parseExtraction(raw)
	require.NoError(t, err)
	assert.Len(t, ext.Entities, 1)
}

func TestParseExtraction_RepairsBarePropertyNames(t *testing.T) {
	raw := `{entities: [{name: "Kant", type: "PERSON"}], relationships: []}`

	ext, err := parseExtraction(raw)
	require.NoError(t, err)
	require.Len(t, ext.Entities, 1)
	assert.Equal(t, "PERSON", ext.Entities[0].Type)
}

func TestParseExtraction_SurroundingProseIsIgnored(t *testing.T) {
	raw := "Sure! The extracted data follows.\n" + validExtraction + "\nLet me know if you need more."

	ext, err := parseExtraction(raw)
	require.NoError(t, err)
	assert.Len(t, ext.Entities, 2)
}

func TestParseExtraction_HopelessOutputFails(t *testing.T) {
	for _, raw := range []string{"", "no json here at all", "{{{{"} {
		_, err := parseExtraction(raw)
		require.Error(t, err)
		assert.True(t, qerrors.IsCode(err, qerrors.ErrCodeExtractionParse))
	}
}

func TestExtractor_DropsUnknownEntityTypes(t *testing.T) {
	client := &scriptedLLM{response: `{
		"entities": [
			{"name": "Kant", "type": "PERSON"},
			{"name": "Berlin", "type": "PLACE"},
			{"name": "", "type": "PERSON"}
		],
		"relationships": []
	}`}

	ext, err := newTestExtractor(client).Extract(context.Background(), "chunk")
	require.NoError(t, err)
	require.Len(t, ext.Entities, 1)
	assert.Equal(t, "Kant", ext.Entities[0].Name)
}

func TestExtractor_DropsRelationshipsWithForeignEndpoints(t *testing.T) {
	client := &scriptedLLM{response: `{
		"entities": [{"name": "Kant", "type": "PERSON"}],
		"relationships": [
			{"source": "Kant", "target": "Ghost Entity", "type": "STUDIES"}
		]
	}`}

	ext, err := newTestExtractor(client).Extract(context.Background(), "chunk")
	require.NoError(t, err)
	assert.Empty(t, ext.Relationships)
}

func TestExtractor_DropsOntologyViolatingEndpointTypes(t *testing.T) {
	// AUTHORED requires PERSON -> PAPER; TOPIC -> PAPER must be dropped.
	client := &scriptedLLM{response: `{
		"entities": [
			{"name": "Ethics", "type": "TOPIC"},
			{"name": "Some Paper", "type": "PAPER"}
		],
		"relationships": [
			{"source": "Ethics", "target": "Some Paper", "type": "AUTHORED"},
			{"source": "Ethics", "target": "Some Paper", "type": "RELATED_TO"}
		]
	}`}

	ext, err := newTestExtractor(client).Extract(context.Background(), "chunk")
	require.NoError(t, err)
	require.Len(t, ext.Relationships, 1)
	assert.Equal(t, "RELATED_TO", ext.Relationships[0].Type)
}

func TestExtractor_NormalizesCaseAndWhitespace(t *testing.T) {
	client := &scriptedLLM{response: `{
		"entities": [{"name": "  Kant  ", "type": "person"}],
		"relationships": []
	}`}

	ext, err := newTestExtractor(client).Extract(context.Background(), "chunk")
	require.NoError(t, err)
	require.Len(t, ext.Entities, 1)
	assert.Equal(t, "Kant", ext.Entities[0].Name)
	assert.Equal(t, "PERSON", ext.Entities[0].Type)
}

func TestValidRelationship(t *testing.T) {
	assert.True(t, ValidRelationship(RelAuthored, EntityPerson, EntityPaper))
	assert.False(t, ValidRelationship(RelAuthored, EntityPaper, EntityPerson))
	assert.True(t, ValidRelationship(RelStudies, EntityPerson, EntityPerson))
	assert.True(t, ValidRelationship(RelRelatedTo, EntityDataset, EntityOrganization))
	assert.False(t, ValidRelationship("FRIENDS_WITH", EntityPerson, EntityPerson))
}
