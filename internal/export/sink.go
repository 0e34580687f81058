package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

type DestinationKind string

const (
	DestStdout DestinationKind = "stdout"
	DestFile   DestinationKind = "file"
	DestGCS    DestinationKind = "gcs"
)

type Destination struct {
	Kind   DestinationKind
	Path   string
	Bucket string
	Object string
}

func (d Destination) String() string {
	switch d.Kind {
	case DestGCS:
		return "gs://" + d.Bucket + "/" + d.Object
	case DestFile:
		return d.Path
	default:
		return "-"
	}
}

// ParseDestination accepts "" or "-" for stdout, gs://bucket/object for Cloud
// Storage, and anything else as a local file path.
func ParseDestination(s string) (Destination, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "-":
		return Destination{Kind: DestStdout}, nil
	case strings.HasPrefix(s, "gs://"):
		rest := strings.TrimPrefix(s, "gs://")
		bucket, object, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || object == "" || strings.HasSuffix(object, "/") {
			return Destination{}, fmt.Errorf("invalid gcs destination %q (want gs://bucket/object)", s)
		}
		return Destination{Kind: DestGCS, Bucket: bucket, Object: object}, nil
	default:
		return Destination{Kind: DestFile, Path: s}, nil
	}
}

// Open returns a writer for d. Closing it flushes and, for Cloud Storage,
// finalizes the upload; a failed Close means the object was not written.
func Open(ctx context.Context, d Destination, stdout io.Writer, contentType string) (io.WriteCloser, error) {
	switch d.Kind {
	case DestStdout:
		return nopCloser{stdout}, nil
	case DestFile:
		if dir := filepath.Dir(d.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
		f, err := os.Create(d.Path)
		if err != nil {
			return nil, err
		}
		return f, nil
	case DestGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}
		w := client.Bucket(d.Bucket).Object(d.Object).NewWriter(ctx)
		w.ContentType = contentType
		return &gcsWriter{w: w, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown destination kind %q", d.Kind)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

type gcsWriter struct {
	w      *storage.Writer
	client *storage.Client
}

func (g *gcsWriter) Write(p []byte) (int, error) { return g.w.Write(p) }

func (g *gcsWriter) Close() error {
	err := g.w.Close()
	if cerr := g.client.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("gcs upload: %w", err)
	}
	return nil
}
