package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
)

// TextExtractor turns stored document bytes into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, fileName string, data []byte) (string, error)
}

// LoaderExtractor reads PDFs page by page and anything else as plain text.
type LoaderExtractor struct{}

func (LoaderExtractor) Extract(ctx context.Context, fileName string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	reader := bytes.NewReader(data)

	var (
		docs []schema.Document
		err  error
	)
	if IsPDF(fileName, data) {
		docs, err = documentloaders.NewPDF(reader, int64(len(data))).Load(ctx)
	} else {
		docs, err = documentloaders.NewText(reader).Load(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("knowledge: extract text from %s: %w", fileName, err)
	}

	pages := make([]string, 0, len(docs))
	for _, doc := range docs {
		if text := strings.TrimSpace(doc.PageContent); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

func IsPDF(fileName string, data []byte) bool {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return true
	}
	return strings.EqualFold(filepath.Ext(fileName), ".pdf")
}
