package dataset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/llm"
	"github.com/sells-group/health-report/internal/resilience"
)

// Mapper maps canonical field names to raw header columns.
type Mapper interface {
	Map(ctx context.Context, header []string, schema *Schema) (map[string]string, error)
	// Name identifies the mapper in cache keys.
	Name() string
}

// ValidateMapping drops entries that point at columns missing from the
// header and checks the schema's required fields are covered. It returns
// the cleaned mapping and a warning per dropped entry.
func ValidateMapping(mapping map[string]string, header []string, schema *Schema) (map[string]string, []string, error) {
	inHeader := make(map[string]bool, len(header))
	for _, h := range header {
		inHeader[h] = true
	}

	clean := make(map[string]string, len(mapping))
	var warnings []string
	for _, canonical := range sortedKeys(mapping) {
		raw := mapping[canonical]
		if _, ok := schema.Field(canonical); !ok {
			warnings = append(warnings, fmt.Sprintf("mapping for unknown field %q dropped", canonical))
			continue
		}
		if !inHeader[raw] {
			warnings = append(warnings, fmt.Sprintf("mapping %s -> %q dropped: column not in header", canonical, raw))
			continue
		}
		clean[canonical] = raw
	}

	var missing []string
	for _, req := range schema.Required() {
		if _, ok := clean[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return clean, warnings, resilience.Errorf(resilience.InsufficientMapping, "dataset.map",
			"required fields not mapped: %s", strings.Join(missing, ", "))
	}
	return clean, warnings, nil
}

// ExactMapper matches canonical names and aliases to header columns,
// ignoring case and surrounding space.
type ExactMapper struct{}

// Name implements Mapper.
func (ExactMapper) Name() string { return "exact" }

// Map implements Mapper.
func (ExactMapper) Map(_ context.Context, header []string, schema *Schema) (map[string]string, error) {
	byLower := make(map[string]string, len(header))
	for _, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := byLower[key]; !dup {
			byLower[key] = h
		}
	}

	out := make(map[string]string)
	for _, f := range schema.Fields {
		candidates := append([]string{f.Name}, f.Aliases...)
		for _, c := range candidates {
			if raw, ok := byLower[strings.ToLower(c)]; ok {
				out[f.Name] = raw
				break
			}
		}
	}
	return out, nil
}

const mappingSystemPrompt = `You map raw column names of a Brazilian SRAG notification extract (DATASUS) onto a target schema.
Answer with a single JSON object whose keys are target field names and whose values are raw column names copied exactly from the list.
Use null for a target field with no matching column. Never invent column names.`

// LLMMapper asks the language model to map the header.
type LLMMapper struct {
	llm         llm.Completer
	temperature float64
	maxTokens   int
}

// NewLLMMapper creates an LLMMapper.
func NewLLMMapper(c llm.Completer, temperature float64, maxTokens int) *LLMMapper {
	return &LLMMapper{llm: c, temperature: temperature, maxTokens: maxTokens}
}

// Name implements Mapper.
func (m *LLMMapper) Name() string { return "llm:" + m.llm.Name() }

// Map implements Mapper.
func (m *LLMMapper) Map(ctx context.Context, header []string, schema *Schema) (map[string]string, error) {
	var b strings.Builder
	b.WriteString("Target fields:\n")
	for _, f := range schema.Fields {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", f.Name, f.Description, f.Title)
	}
	b.WriteString("\nRaw columns:\n")
	b.WriteString(strings.Join(header, ", "))

	reply, err := m.llm.Complete(ctx, llm.Request{
		System:      mappingSystemPrompt,
		Prompt:      b.String(),
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
		JSON:        true,
		Purpose:     "map",
	})
	if err != nil {
		return nil, err
	}

	decoded, err := llm.DecodeJSON[map[string]any]("dataset.map", reply)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(decoded))
	for k, v := range decoded {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(s)
	}
	return out, nil
}

// FallbackMapper runs the primary mapper and fills whatever it could not
// map, or everything when it fails, from the secondary.
type FallbackMapper struct {
	Primary   Mapper
	Secondary Mapper
}

// Name implements Mapper.
func (f *FallbackMapper) Name() string {
	return f.Primary.Name() + "+" + f.Secondary.Name()
}

// Map implements Mapper.
func (f *FallbackMapper) Map(ctx context.Context, header []string, schema *Schema) (map[string]string, error) {
	primary, err := f.Primary.Map(ctx, header, schema)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, err
		}
		zap.L().Warn("dataset: primary mapper failed, using fallback",
			zap.String("primary", f.Primary.Name()),
			zap.String("kind", resilience.KindOf(err).String()),
			zap.Error(err),
		)
		primary = nil
	}

	secondary, err := f.Secondary.Map(ctx, header, schema)
	if err != nil {
		if primary != nil {
			return primary, nil
		}
		return nil, err
	}

	out := make(map[string]string, len(secondary))
	for k, v := range secondary {
		out[k] = v
	}
	inHeader := make(map[string]bool, len(header))
	for _, h := range header {
		inHeader[h] = true
	}
	for k, v := range primary {
		if inHeader[v] {
			out[k] = v
		}
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
