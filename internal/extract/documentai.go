package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"

	"caseline/internal/domain"
)

var documentAITypes = map[string]bool{
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"image/png":  true,
	"image/jpeg": true,
	"image/tiff": true,
}

// DocumentAI extracts text with a Google Document AI OCR processor.
type DocumentAI struct {
	// Processor is projects/{p}/locations/{l}/processors/{id}.
	Processor string
	Timeout   time.Duration

	process func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error)
	close   func() error
}

// NewDocumentAI dials the regional Document AI endpoint with application
// default credentials.
func NewDocumentAI(ctx context.Context, projectID, location, processorID string) (*DocumentAI, error) {
	if projectID == "" || processorID == "" {
		return nil, fmt.Errorf("documentai: project_id and processor_id are required")
	}
	if location == "" {
		location = "us"
	}
	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)
	c, err := documentai.NewDocumentProcessorClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}
	return &DocumentAI{
		Processor: fmt.Sprintf("projects/%s/locations/%s/processors/%s", projectID, location, processorID),
		Timeout:   3 * time.Minute,
		process: func(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error) {
			return c.ProcessDocument(ctx, req)
		},
		close: c.Close,
	}, nil
}

func (d *DocumentAI) Close() error {
	if d == nil || d.close == nil {
		return nil
	}
	return d.close()
}

func (d *DocumentAI) ExtractText(ctx context.Context, att domain.Attachment) (string, error) {
	mt := MimeType(att)
	if !documentAITypes[mt] {
		return "", &Failure{Reason: fmt.Sprintf("unsupported file type %q", mt)}
	}
	if len(att.Data) == 0 {
		return "", &Failure{Reason: "file is empty"}
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	resp, err := d.process(ctx, &documentaipb.ProcessRequest{
		Name: d.Processor,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  att.Data,
				MimeType: mt,
			},
		},
	})
	if err != nil {
		return "", &Failure{Reason: "document extraction failed: " + err.Error()}
	}
	if resp == nil || resp.GetDocument() == nil {
		return "", &Failure{Reason: "document extraction returned no document"}
	}
	text := strings.TrimSpace(resp.GetDocument().GetText())
	if text == "" {
		return "", &Failure{Reason: "file contains no text"}
	}
	return text, nil
}
