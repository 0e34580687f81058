package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cloud.google.com/go/documentai/apiv1/documentaipb"

	"caseline/internal/domain"
)

func TestPlainTextAcceptsMarkdownByExtension(t *testing.T) {
	got, err := PlainText{}.ExtractText(context.Background(), domain.Attachment{Name: "req.md", Data: []byte("  # Login\nUsers log in\n")})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != "# Login\nUsers log in" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestPlainTextRejectsBinary(t *testing.T) {
	_, err := PlainText{}.ExtractText(context.Background(), domain.Attachment{Name: "spec.pdf", Data: []byte("%PDF-1.7")})
	var f *Failure
	if !errors.As(err, &f) || !strings.Contains(f.Reason, "unsupported file type") {
		t.Fatalf("expected unsupported failure, got %v", err)
	}
}

func TestPlainTextRejectsEmpty(t *testing.T) {
	_, err := PlainText{}.ExtractText(context.Background(), domain.Attachment{Name: "a.txt", Data: []byte("   ")})
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected failure, got %v", err)
	}
}

func fakeDocumentAI(text string, err error) *DocumentAI {
	return &DocumentAI{
		Processor: "projects/p/locations/us/processors/x",
		process: func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error) {
			if err != nil {
				return nil, err
			}
			return &documentaipb.ProcessResponse{Document: &documentaipb.Document{Text: text}}, nil
		},
	}
}

func TestChainRoutesByMimeType(t *testing.T) {
	c := Chain{Documents: fakeDocumentAI("from pdf", nil)}
	got, err := c.ExtractText(context.Background(), domain.Attachment{Name: "spec.pdf", MimeType: "application/pdf", Data: []byte("%PDF")})
	if err != nil || got != "from pdf" {
		t.Fatalf("expected document text, got %q %v", got, err)
	}
	got, err = c.ExtractText(context.Background(), domain.Attachment{Name: "a.txt", Data: []byte("plain")})
	if err != nil || got != "plain" {
		t.Fatalf("expected plain text, got %q %v", got, err)
	}
}

func TestDocumentAIFailureIsTyped(t *testing.T) {
	d := fakeDocumentAI("", errors.New("quota"))
	_, err := d.ExtractText(context.Background(), domain.Attachment{Name: "spec.pdf", Data: []byte("%PDF")})
	var f *Failure
	if !errors.As(err, &f) || !strings.Contains(f.Reason, "quota") {
		t.Fatalf("expected extraction failure, got %v", err)
	}
}

func TestDocumentAIRejectsUnsupportedType(t *testing.T) {
	d := fakeDocumentAI("x", nil)
	_, err := d.ExtractText(context.Background(), domain.Attachment{Name: "a.zip", MimeType: "application/zip", Data: []byte("PK")})
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected failure, got %v", err)
	}
}
