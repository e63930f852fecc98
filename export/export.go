// Package export writes the final global model document where operators
// pick it up: a local file, an S3 bucket, or both.
package export

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/fedgen/fedgen/fs"
	"github.com/fedgen/fedgen/model"
)

// Exporter persists an export document and returns where it was written.
type Exporter interface {
	Export(ctx context.Context, e *model.Export) (string, error)
}

// FileExporter writes the document as indented JSON to Path.
type FileExporter struct {
	Path string
}

// Export implements Exporter.
func (f *FileExporter) Export(_ context.Context, e *model.Export) (string, error) {
	data, err := e.Marshal()
	if err != nil {
		return "", fmt.Errorf("encoding export: %w", err)
	}
	if err := fs.WriteSecureFile(f.Path, data); err != nil {
		return "", fmt.Errorf("writing export to %s: %w", f.Path, err)
	}
	return f.Path, nil
}

// Multi exports to every exporter, even when some of them fail.
type Multi []Exporter

// Export implements Exporter. The returned locations are comma separated.
func (m Multi) Export(ctx context.Context, e *model.Export) (string, error) {
	var result *multierror.Error
	var locations string
	for _, ex := range m {
		loc, err := ex.Export(ctx, e)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if locations != "" {
			locations += ","
		}
		locations += loc
	}
	return locations, result.ErrorOrNil()
}
