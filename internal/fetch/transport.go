package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/clover-project/clover-datasets/internal/httpclient"
)

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks -source=transport.go Transport

// Transport opens a byte stream for a mirror URL. The returned size is the
// declared length of the stream, or -1 when unknown.
type Transport interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error)
}

// errPermanent marks transport failures that retrying the same URL cannot fix
var errPermanent = errors.New("permanent failure")

// FileTransport serves file:// mirrors from the local filesystem
type FileTransport struct{}

// Open opens the file named by a file:// URL
func (FileTransport) Open(_ context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: invalid url: %w", errPermanent, err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return nil, 0, fmt.Errorf("%w: remote file host %q is not supported", errPermanent, u.Host)
	}

	//nolint:gosec // mirror path comes from the dataset registry
	f, err := os.Open(u.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", errPermanent, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", u.Path, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%w: %s is a directory", errPermanent, u.Path)
	}
	return f, info.Size(), nil
}

// S3Transport serves s3://bucket/key mirrors. The AWS session is created on
// first use so that credentials are only resolved when an s3 mirror is hit.
type S3Transport struct {
	region string

	once   sync.Once
	client s3iface.S3API
	err    error
}

// NewS3Transport creates an S3 transport for the given region
func NewS3Transport(region string) *S3Transport {
	return &S3Transport{region: region}
}

// newS3TransportWithClient is used by tests to inject a fake S3 API
func newS3TransportWithClient(client s3iface.S3API) *S3Transport {
	t := &S3Transport{client: client}
	t.once.Do(func() {})
	return t
}

func (t *S3Transport) s3() (s3iface.S3API, error) {
	t.once.Do(func() {
		cfg := &aws.Config{}
		if t.region != "" {
			cfg.Region = aws.String(t.region)
		}
		sess, err := session.NewSession(cfg)
		if err != nil {
			t.err = fmt.Errorf("failed to create AWS session: %w", err)
			return
		}
		t.client = s3.New(sess)
	})
	return t.client, t.err
}

// Open issues a GetObject request for the object named by an s3:// URL
func (t *S3Transport) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: invalid url: %w", errPermanent, err)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, 0, fmt.Errorf("%w: s3 url must be s3://bucket/key, got %s", errPermanent, rawURL)
	}

	client, err := t.s3()
	if err != nil {
		return nil, 0, err
	}

	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var reqErr awserr.RequestFailure
		if errors.As(err, &reqErr) {
			return nil, 0, httpclient.NewHTTPError(reqErr.StatusCode(), rawURL, reqErr.Message())
		}
		return nil, 0, fmt.Errorf("failed to get s3 object: %w", err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}
