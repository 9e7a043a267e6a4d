package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"voiceform/internal/domain"
)

// FileExporter writes each document as indented JSON into a directory.
type FileExporter struct {
	dir string
}

func NewFileExporter(dir string) *FileExporter {
	return &FileExporter{dir: dir}
}

func (e *FileExporter) Name() string { return "file" }

func (e *FileExporter) Export(_ context.Context, doc domain.ExportDocument) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	path := e.Path(doc)
	tmp, err := os.CreateTemp(e.dir, ".export-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(append(payload, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close document: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("move document into place: %w", err)
	}
	return nil
}

// Path is where doc is written.
func (e *FileExporter) Path(doc domain.ExportDocument) string {
	name := fmt.Sprintf("%s-%s.json", doc.ExportedAt.UTC().Format("20060102T150405Z"), doc.ID)
	return filepath.Join(e.dir, name)
}
