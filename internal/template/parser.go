// Package template parses the "Block: field, field" declaration language.
package template

import (
	"strings"

	"voiceform/internal/domain"
)

// Parse turns raw declaration text into a TemplateSpec. It never fails:
// lines without a colon are skipped and blocks without fields are dropped,
// so partially typed input yields a partial spec.
func Parse(raw string) domain.TemplateSpec {
	blocks := make([]domain.Block, 0)
	index := make(map[string]int)

	for _, line := range strings.Split(raw, "\n") {
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		fields := splitFields(rest)
		if len(fields) == 0 {
			continue
		}

		if at, seen := index[name]; seen {
			blocks[at].Fields = appendUnique(blocks[at].Fields, fields...)
			continue
		}
		index[name] = len(blocks)
		blocks = append(blocks, domain.Block{Name: name, Fields: fields})
	}

	return domain.TemplateSpec{Blocks: blocks}
}

// Render writes the canonical text form of spec; Parse(Render(s)) == s for
// any spec produced by Parse.
func Render(spec domain.TemplateSpec) string {
	var builder strings.Builder
	for i, block := range spec.Blocks {
		if i > 0 {
			builder.WriteByte('\n')
		}
		builder.WriteString(block.Name)
		builder.WriteString(": ")
		builder.WriteString(strings.Join(block.Fields, ", "))
	}
	return builder.String()
}

// Flatten lists field keys across blocks in order.
func Flatten(spec domain.TemplateSpec) []string {
	return spec.Fields()
}

// Normalize re-parses a spec that came from outside the parser (a store
// record or an API body) so it obeys the same invariants.
func Normalize(spec domain.TemplateSpec) domain.TemplateSpec {
	var builder strings.Builder
	for _, block := range spec.Blocks {
		name := strings.ReplaceAll(block.Name, ":", " ")
		fields := make([]string, 0, len(block.Fields))
		for _, field := range block.Fields {
			fields = append(fields, strings.NewReplacer(",", " ", "\n", " ").Replace(field))
		}
		builder.WriteString(strings.ReplaceAll(name, "\n", " "))
		builder.WriteByte(':')
		builder.WriteString(strings.Join(fields, ","))
		builder.WriteByte('\n')
	}
	return Parse(builder.String())
}

func splitFields(segment string) []string {
	parts := strings.Split(segment, ",")
	fields := make([]string, 0, len(parts))
	for _, part := range parts {
		field := strings.TrimSpace(part)
		if field == "" {
			continue
		}
		fields = appendUnique(fields, field)
	}
	return fields
}

func appendUnique(dst []string, values ...string) []string {
	for _, value := range values {
		duplicate := false
		for _, existing := range dst {
			if existing == value {
				duplicate = true
				break
			}
		}
		if !duplicate {
			dst = append(dst, value)
		}
	}
	return dst
}
