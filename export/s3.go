package export

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	json "github.com/nikkolasg/hexjson"

	"github.com/fedgen/fedgen/model"
)

// DefaultPrefix is the bucket folder holding node weights and the global model.
const DefaultPrefix = "weights"

// GlobalModelKey is the object name of the exported global model.
const GlobalModelKey = "global_model.json"

// S3Exporter uploads the global model to a bucket and fetches the node
// weight documents stored next to it.
type S3Exporter struct {
	Uploader   s3manageriface.UploaderAPI
	Downloader s3manageriface.DownloaderAPI
	Bucket     string
	Prefix     string
}

// NewS3Exporter creates an exporter using the default credential chain.
func NewS3Exporter(region, bucket string) (*S3Exporter, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	if _, err := sess.Config.Credentials.Get(); err != nil {
		return nil, fmt.Errorf("checking credentials: %w", err)
	}
	return &S3Exporter{
		Uploader:   s3manager.NewUploader(sess),
		Downloader: s3manager.NewDownloader(sess),
		Bucket:     bucket,
		Prefix:     DefaultPrefix,
	}, nil
}

func (s *S3Exporter) key(name string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return path.Join(prefix, name)
}

// NodeKey is the object name of the weight document of node.
func NodeKey(node string) string {
	return node + "_weights.json"
}

// Export implements Exporter.
func (s *S3Exporter) Export(ctx context.Context, e *model.Export) (string, error) {
	data, err := e.Marshal()
	if err != nil {
		return "", fmt.Errorf("encoding export: %w", err)
	}
	r, err := s.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.key(GlobalModelKey)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading global model: %w", err)
	}
	return r.Location, nil
}

// PutReport uploads the weight document of a node.
func (s *S3Exporter) PutReport(ctx context.Context, r *model.NodeReport) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report of %s: %w", r.NodeID, err)
	}
	out, err := s.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.key(NodeKey(r.NodeID))),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading report of %s: %w", r.NodeID, err)
	}
	return out.Location, nil
}

// FetchReport downloads the weight document of node.
func (s *S3Exporter) FetchReport(ctx context.Context, node string) (*model.NodeReport, error) {
	buff := aws.NewWriteAtBuffer(nil)
	_, err := s.Downloader.DownloadWithContext(ctx, buff, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(NodeKey(node))),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading report of %s: %w", node, err)
	}
	r := new(model.NodeReport)
	if err := json.Unmarshal(buff.Bytes(), r); err != nil {
		return nil, fmt.Errorf("decoding report of %s: %w", node, err)
	}
	if r.NodeID == "" {
		r.NodeID = node
	}
	return r, nil
}
