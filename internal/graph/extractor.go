package graph

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	qerrors "github.com/quiverdocs/quiver/internal/errors"
	"github.com/quiverdocs/quiver/internal/llm"
)

// ExtractedEntity is one entity produced by the model for a chunk.
type ExtractedEntity struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// ExtractedRelationship is one relationship produced by the model.
// Source and Target reference entities by name.
type ExtractedRelationship struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
	Confidence  float64 `json:"confidence"`
}

// Extraction is the validated result of extracting one chunk.
type Extraction struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Extractor turns one chunk's text into a normalized extraction by
// calling a generation model with a fixed prompt, then repairing and
// validating its output against the ontology.
type Extractor struct {
	client  llm.Client
	model   string
	timeout time.Duration
}

// NewExtractor creates an extractor for the given extraction model.
func NewExtractor(client llm.Client, model string, timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Extractor{client: client, model: model, timeout: timeout}
}

const extractionPromptTemplate = `Extract entities and relationships from the text below.

Entity types (use exactly these): PERSON, TOPIC, RESEARCH_METHOD, PAPER, CONCEPT, ORGANIZATION, DATASET.
Relationship types (use exactly these): AUTHORED, AFFILIATED_WITH, CITES, ABOUT, STUDIES, USES_METHOD, USES_DATASET, BASED_ON, EXTENDS, CONTRADICTS, PROPOSES, RELATED_TO.

Respond with ONLY a JSON object of this shape:
{"entities": [{"name": "...", "type": "...", "description": "..."}],
 "relationships": [{"source": "...", "target": "...", "type": "...", "description": "..."}]}

Every relationship source and target must be the name of an entity in the entities list.

Text:
`

// Extract calls the model for one chunk and returns the validated
// extraction. Unparseable output after repairs surfaces an
// ExtractionParse error; callers skip the chunk and continue.
func (e *Extractor) Extract(ctx context.Context, chunkText string) (*Extraction, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Generate(callCtx, e.model, extractionPromptTemplate+chunkText, llm.GenerateOptions{
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}

	// Some models leave the response empty and answer in the
	// reasoning field instead.
	raw := resp.Response
	if strings.TrimSpace(raw) == "" {
		raw = resp.Reasoning
	}

	extraction, err := parseExtraction(raw)
	if err != nil {
		return nil, err
	}

	return e.validate(extraction), nil
}

// parseExtraction coerces raw model output into an Extraction: strip
// fences, slice to the outermost braces, parse, and on failure repair
// and parse once more.
func parseExtraction(raw string) (*Extraction, error) {
	cleaned := sliceBraces(stripCodeFences(raw))
	if cleaned == "" {
		return nil, qerrors.New(qerrors.ErrCodeExtractionParse, "no JSON object in model output", nil)
	}

	var extraction Extraction
	if err := json.Unmarshal([]byte(cleaned), &extraction); err == nil {
		return &extraction, nil
	}

	repaired := repairJSON(cleaned)
	if err := json.Unmarshal([]byte(repaired), &extraction); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeExtractionParse,
			"model output is not valid JSON after repairs", err)
	}
	return &extraction, nil
}

// validate drops items that fail the ontology checks. Invalid items are
// discarded silently (logged at debug); extraction never fails on them.
func (e *Extractor) validate(raw *Extraction) *Extraction {
	out := &Extraction{}
	entityTypesByName := make(map[string]string)

	for _, ent := range raw.Entities {
		ent.Name = strings.TrimSpace(ent.Name)
		ent.Type = strings.ToUpper(strings.TrimSpace(ent.Type))
		if ent.Name == "" || !ValidEntityType(ent.Type) {
			slog.Debug("extraction_entity_dropped",
				slog.String("name", ent.Name),
				slog.String("type", ent.Type))
			continue
		}
		if ent.Confidence <= 0 || ent.Confidence > 1 {
			ent.Confidence = 1.0
		}
		if _, seen := entityTypesByName[ent.Name]; !seen {
			entityTypesByName[ent.Name] = ent.Type
			out.Entities = append(out.Entities, ent)
		}
	}

	for _, rel := range raw.Relationships {
		rel.Source = strings.TrimSpace(rel.Source)
		rel.Target = strings.TrimSpace(rel.Target)
		rel.Type = strings.ToUpper(strings.TrimSpace(rel.Type))

		sourceType, sourceOK := entityTypesByName[rel.Source]
		targetType, targetOK := entityTypesByName[rel.Target]
		if !sourceOK || !targetOK || !ValidRelationship(rel.Type, sourceType, targetType) {
			slog.Debug("extraction_relationship_dropped",
				slog.String("source", rel.Source),
				slog.String("target", rel.Target),
				slog.String("type", rel.Type))
			continue
		}
		if rel.Weight < 0 {
			rel.Weight = 0
		}
		if rel.Confidence <= 0 || rel.Confidence > 1 {
			rel.Confidence = 1.0
		}
		out.Relationships = append(out.Relationships, rel)
	}

	return out
}

var codeFencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\n?")

// stripCodeFences removes Markdown code fences around the payload.
func stripCodeFences(s string) string {
	return codeFencePattern.ReplaceAllString(s, "")
}

// sliceBraces returns the substring between the first '{' and the last
// '}', or "" when no object is present.
func sliceBraces(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

var (
	singleQuotedPattern  = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	barePropertyPattern  = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
)

// repairJSON applies the repair cascade for near-JSON model output:
// single-quoted strings become double-quoted, trailing commas are
// removed, and bare property names are quoted.
func repairJSON(s string) string {
	s = singleQuotedPattern.ReplaceAllString(s, `"$1"`)
	s = trailingCommaPattern.ReplaceAllString(s, "$1")
	s = barePropertyPattern.ReplaceAllString(s, `$1"$2":`)
	return s
}
