package export

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"voiceform/internal/domain"
	"voiceform/internal/ports"
)

var ErrUnknownTarget = errors.New("unknown export target")

// Registry resolves export targets by name.
type Registry struct {
	exporters map[string]ports.Exporter
}

func NewRegistry(exporters ...ports.Exporter) *Registry {
	r := &Registry{exporters: make(map[string]ports.Exporter, len(exporters))}
	for _, exporter := range exporters {
		if exporter == nil {
			continue
		}
		r.exporters[exporter.Name()] = exporter
	}
	return r
}

func (r *Registry) Lookup(name string) (ports.Exporter, error) {
	exporter, ok := r.exporters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	return exporter, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.exporters))
	for name := range r.exporters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RenderText lays a document out block by block for pasting into other
// tools. A field shared by two blocks appears under each of them.
func RenderText(doc domain.ExportDocument) string {
	var b strings.Builder
	for i, block := range doc.Template.Blocks {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(block.Name)
		b.WriteByte('\n')
		for _, field := range block.Fields {
			fmt.Fprintf(&b, "  %s: %s\n", field, doc.Fields[field])
		}
	}
	return b.String()
}
