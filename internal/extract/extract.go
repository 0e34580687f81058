// Package extract turns uploaded requirement files into plain text.
package extract

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"caseline/internal/domain"
)

// Failure means the file could not be turned into text. Reason is stored on
// the work item created for the file.
type Failure struct {
	Reason string
}

func (f *Failure) Error() string { return f.Reason }

// Extractor is implemented by PlainText, DocumentAI and Chain.
type Extractor interface {
	ExtractText(ctx context.Context, att domain.Attachment) (string, error)
}

// MimeType returns the declared type, falling back to the file extension.
func MimeType(att domain.Attachment) string {
	mt := strings.TrimSpace(att.MimeType)
	if mt == "" {
		mt = mime.TypeByExtension(strings.ToLower(filepath.Ext(att.Name)))
	}
	if base, _, err := mime.ParseMediaType(mt); err == nil {
		return base
	}
	switch strings.ToLower(filepath.Ext(att.Name)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	}
	return mt
}

// PlainText accepts text/* attachments and returns their content.
type PlainText struct{}

func (PlainText) Supports(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/") || mimeType == "application/json"
}

func (p PlainText) ExtractText(_ context.Context, att domain.Attachment) (string, error) {
	mt := MimeType(att)
	if !p.Supports(mt) {
		return "", &Failure{Reason: fmt.Sprintf("unsupported file type %q", mt)}
	}
	if !utf8.Valid(att.Data) {
		return "", &Failure{Reason: "file is not valid UTF-8 text"}
	}
	text := strings.TrimSpace(string(att.Data))
	if text == "" {
		return "", &Failure{Reason: "file contains no text"}
	}
	return text, nil
}

// Chain tries PlainText first and hands everything else to Documents when set.
type Chain struct {
	Documents Extractor
}

func (c Chain) ExtractText(ctx context.Context, att domain.Attachment) (string, error) {
	var plain PlainText
	if plain.Supports(MimeType(att)) || c.Documents == nil {
		return plain.ExtractText(ctx, att)
	}
	return c.Documents.ExtractText(ctx, att)
}
