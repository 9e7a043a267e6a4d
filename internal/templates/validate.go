package templates

import (
	"fmt"
	"strings"

	"voiceform/internal/domain"
	"voiceform/internal/ports"
	"voiceform/internal/template"
)

const copySuffix = " (copy)"

// prepare trims the name and normalizes the spec the same way typed
// template text is parsed, so stored templates always round-trip.
func prepare(name string, spec domain.TemplateSpec) (string, domain.TemplateSpec, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.TemplateSpec{}, fmt.Errorf("%w: name is required", ports.ErrTemplateInvalid)
	}
	spec = template.Normalize(spec)
	if spec.Empty() {
		return "", domain.TemplateSpec{}, fmt.Errorf("%w: at least one block with a field is required", ports.ErrTemplateInvalid)
	}
	return name, spec, nil
}
