package export

import (
	"context"
	"fmt"

	"github.com/atotto/clipboard"

	"voiceform/internal/domain"
)

// ClipboardExporter copies the rendered form to the system clipboard.
type ClipboardExporter struct {
	write func(string) error
}

func NewClipboardExporter() *ClipboardExporter {
	return &ClipboardExporter{write: clipboard.WriteAll}
}

func (e *ClipboardExporter) Name() string { return "clipboard" }

func (e *ClipboardExporter) Export(_ context.Context, doc domain.ExportDocument) error {
	if err := e.write(RenderText(doc)); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	return nil
}
