package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/clover-project/clover-datasets/internal/failures"
	"github.com/clover-project/clover-datasets/internal/fetch/mocks"
	"github.com/clover-project/clover-datasets/internal/httpclient"
	"github.com/clover-project/clover-datasets/internal/registry"
)

const payload = "a,b,target\n1,2,3\n4,5,6\n"

func body(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func descriptor(urls ...string) registry.Descriptor {
	return registry.Descriptor{
		Key:    "toy",
		URLs:   urls,
		Format: registry.FormatCSV,
		Target: "target",
	}
}

func newTestFetcher(t *testing.T, transport Transport, opts ...Option) (*Fetcher, string) {
	t.Helper()
	dir := t.TempDir()
	opts = append([]Option{
		WithTransport("https", transport),
		WithBackoff(time.Millisecond, time.Second),
	}, opts...)
	return New(dir, opts...), dir
}

// leftovers lists files in the key directory other than the raw file and entry.json
func leftovers(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".download-") {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestFetch_CacheHitMakesNoTransportCalls(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	transport.EXPECT().Open(gomock.Any(), "https://a.example/toy.csv").
		Return(body(payload), int64(len(payload)), nil).Times(1)

	f, _ := newTestFetcher(t, transport)
	desc := descriptor("https://a.example/toy.csv")

	first, err := f.Fetch(context.Background(), desc, false)
	require.NoError(t, err)
	assert.Equal(t, digest(payload), first.SHA256)
	assert.Equal(t, int64(len(payload)), first.Size)
	assert.Equal(t, "toy.csv", filepath.Base(first.Path))

	second, err := f.Fetch(context.Background(), desc, false)
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, first.SHA256, second.SHA256)

	cached, err := f.Cached("toy")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "https://a.example/toy.csv", cached.URL)
}

func TestFetch_ForceRefetches(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	gomock.InOrder(
		transport.EXPECT().Open(gomock.Any(), gomock.Any()).Return(body("x\n1\n"), int64(4), nil),
		transport.EXPECT().Open(gomock.Any(), gomock.Any()).Return(body(payload), int64(-1), nil),
	)

	f, _ := newTestFetcher(t, transport)
	desc := descriptor("https://a.example/toy.csv")

	_, err := f.Fetch(context.Background(), desc, false)
	require.NoError(t, err)

	entry, err := f.Fetch(context.Background(), desc, true)
	require.NoError(t, err)
	assert.Equal(t, digest(payload), entry.SHA256)

	data, err := os.ReadFile(entry.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestFetch_FallsBackToSecondMirrorAfterRetry(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	first := "https://a.example/toy.csv"
	second := "https://b.example/toy.csv"
	gomock.InOrder(
		transport.EXPECT().Open(gomock.Any(), first).
			Return(nil, int64(0), httpclient.NewHTTPError(500, first, "500 Internal Server Error")).Times(2),
		transport.EXPECT().Open(gomock.Any(), second).
			Return(body(payload), int64(len(payload)), nil),
	)

	f, dir := newTestFetcher(t, transport, WithMaxAttempts(2))
	entry, err := f.Fetch(context.Background(), descriptor(first, second), false)
	require.NoError(t, err)
	assert.Equal(t, second, entry.URL)
	assert.Empty(t, leftovers(t, filepath.Join(dir, "toy")))
}

func TestFetch_ClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	first := "https://a.example/toy.csv"
	second := "https://b.example/toy.csv"
	transport.EXPECT().Open(gomock.Any(), first).
		Return(nil, int64(0), httpclient.NewHTTPError(404, first, "404 Not Found")).Times(1)
	transport.EXPECT().Open(gomock.Any(), second).
		Return(body(payload), int64(len(payload)), nil).Times(1)

	f, _ := newTestFetcher(t, transport)
	entry, err := f.Fetch(context.Background(), descriptor(first, second), false)
	require.NoError(t, err)
	assert.Equal(t, second, entry.URL)
}

func TestFetch_AllMirrorsFail(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	first := "https://a.example/toy.csv"
	second := "https://b.example/toy.csv"
	transport.EXPECT().Open(gomock.Any(), first).
		Return(nil, int64(0), httpclient.NewHTTPError(503, first, "503 Service Unavailable")).Times(3)
	transport.EXPECT().Open(gomock.Any(), second).
		Return(nil, int64(0), httpclient.NewHTTPError(410, second, "410 Gone")).Times(1)

	f, _ := newTestFetcher(t, transport)
	_, err := f.Fetch(context.Background(), descriptor(first, second), false)
	require.ErrorIs(t, err, failures.ErrFetch)
	assert.Contains(t, err.Error(), "toy")
	assert.Contains(t, err.Error(), "HTTP 410")

	cached, err := f.Cached("toy")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestFetch_TruncatedTransferIsRetried(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	gomock.InOrder(
		transport.EXPECT().Open(gomock.Any(), gomock.Any()).Return(body(payload[:5]), int64(len(payload)), nil),
		transport.EXPECT().Open(gomock.Any(), gomock.Any()).Return(body(payload), int64(len(payload)), nil),
	)

	f, dir := newTestFetcher(t, transport)
	entry, err := f.Fetch(context.Background(), descriptor("https://a.example/toy.csv"), false)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), entry.Size)
	assert.Empty(t, leftovers(t, filepath.Join(dir, "toy")))
}

func TestFetch_IntegrityMismatch(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	transport.EXPECT().Open(gomock.Any(), gomock.Any()).
		Return(body(payload), int64(len(payload)), nil).Times(1)

	f, dir := newTestFetcher(t, transport)
	desc := descriptor("https://a.example/toy.csv")
	desc.SHA256 = digest("something else")

	_, err := f.Fetch(context.Background(), desc, false)
	require.ErrorIs(t, err, failures.ErrIntegrity)
	assert.Contains(t, err.Error(), "sha256 mismatch")

	cached, err := f.Cached("toy")
	require.NoError(t, err)
	assert.Nil(t, cached)
	assert.NoFileExists(t, filepath.Join(dir, "toy", "toy.csv"))
	assert.NoFileExists(t, filepath.Join(dir, "toy", EntryFileName))
	assert.Empty(t, leftovers(t, filepath.Join(dir, "toy")))
}

func TestFetch_DeclaredSizeMismatch(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	transport.EXPECT().Open(gomock.Any(), gomock.Any()).Return(body(payload), int64(-1), nil)

	f, _ := newTestFetcher(t, transport)
	desc := descriptor("https://a.example/toy.csv")
	desc.Size = 3

	_, err := f.Fetch(context.Background(), desc, false)
	require.ErrorIs(t, err, failures.ErrIntegrity)
	assert.Contains(t, err.Error(), "size mismatch")
}

func TestFetch_ChecksumChangeInvalidatesCache(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	gomock.InOrder(
		transport.EXPECT().Open(gomock.Any(), gomock.Any()).Return(body("x\n1\n"), int64(4), nil),
		transport.EXPECT().Open(gomock.Any(), gomock.Any()).Return(body(payload), int64(len(payload)), nil),
	)

	f, _ := newTestFetcher(t, transport)
	desc := descriptor("https://a.example/toy.csv")

	_, err := f.Fetch(context.Background(), desc, false)
	require.NoError(t, err)

	// Pinning a checksum that the cached file does not have forces a download
	desc.SHA256 = digest(payload)
	entry, err := f.Fetch(context.Background(), desc, false)
	require.NoError(t, err)
	assert.Equal(t, desc.SHA256, entry.SHA256)
}

func TestFetch_UppercaseChecksumPin(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	transport.EXPECT().Open(gomock.Any(), gomock.Any()).
		Return(body(payload), int64(len(payload)), nil).Times(1)

	f, _ := newTestFetcher(t, transport)
	desc := descriptor("https://a.example/toy.csv")
	desc.SHA256 = strings.ToUpper(digest(payload))

	entry, err := f.Fetch(context.Background(), desc, false)
	require.NoError(t, err)
	assert.Equal(t, digest(payload), entry.SHA256)

	// The pinned file is already cached, so no second download happens
	again, err := f.Fetch(context.Background(), desc, false)
	require.NoError(t, err)
	assert.Equal(t, entry.Path, again.Path)
}

type cancellingReader struct {
	cancel context.CancelFunc
	sent   bool
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "a,b,target\n"), nil
	}
	r.cancel()
	return 0, context.Canceled
}

func (*cancellingReader) Close() error { return nil }

func TestFetch_CancellationLeavesNoPartialEntry(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	transport.EXPECT().Open(gomock.Any(), gomock.Any()).
		Return(&cancellingReader{cancel: cancel}, int64(-1), nil).Times(1)

	f, dir := newTestFetcher(t, transport)
	_, err := f.Fetch(ctx, descriptor("https://a.example/toy.csv", "https://b.example/toy.csv"), false)
	require.ErrorIs(t, err, failures.ErrFetch)
	require.ErrorIs(t, err, context.Canceled)

	assert.NoFileExists(t, filepath.Join(dir, "toy", EntryFileName))
	assert.NoFileExists(t, filepath.Join(dir, "toy", "toy.csv"))
	assert.Empty(t, leftovers(t, filepath.Join(dir, "toy")))
}

func TestFetch_FileAndHTTPTransports(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "local.csv")
	require.NoError(t, os.WriteFile(src, []byte(payload), 0600))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	server.Config.SetKeepAlivesEnabled(false)
	defer server.Close()

	tests := []struct {
		name string
		url  string
	}{
		{name: "file", url: "file://" + src},
		{name: "http", url: server.URL + "/remote.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := New(t.TempDir(), WithBackoff(time.Millisecond, time.Second))
			entry, err := f.Fetch(context.Background(), descriptor(tt.url), false)
			require.NoError(t, err)
			assert.Equal(t, digest(payload), entry.SHA256)
		})
	}
}

func TestFileTransport_MissingFileIsPermanent(t *testing.T) {
	t.Parallel()

	_, _, err := FileTransport{}.Open(context.Background(), "file:///definitely/not/here.csv")
	require.Error(t, err)
	assert.False(t, isTransient(err))
}

func TestEvict(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	transport.EXPECT().Open(gomock.Any(), gomock.Any()).Return(body(payload), int64(len(payload)), nil)

	f, dir := newTestFetcher(t, transport)
	_, err := f.Fetch(context.Background(), descriptor("https://a.example/toy.csv"), false)
	require.NoError(t, err)

	require.NoError(t, f.Evict(context.Background(), "toy"))
	assert.NoDirExists(t, filepath.Join(dir, "toy"))
}

type fakeS3 struct {
	s3iface.S3API
	input *s3.GetObjectInput
	err   error
}

func (f *fakeS3) GetObjectWithContext(
	_ aws.Context, in *s3.GetObjectInput, _ ...request.Option,
) (*s3.GetObjectOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{
		Body:          body(payload),
		ContentLength: aws.Int64(int64(len(payload))),
	}, nil
}

func TestS3Transport(t *testing.T) {
	t.Parallel()

	t.Run("gets object", func(t *testing.T) {
		t.Parallel()

		fake := &fakeS3{}
		rc, size, err := newS3TransportWithClient(fake).Open(context.Background(), "s3://bucket/path/to/toy.csv")
		require.NoError(t, err)
		defer rc.Close()
		assert.Equal(t, int64(len(payload)), size)
		assert.Equal(t, "bucket", aws.StringValue(fake.input.Bucket))
		assert.Equal(t, "path/to/toy.csv", aws.StringValue(fake.input.Key))
	})

	t.Run("maps request failures to http errors", func(t *testing.T) {
		t.Parallel()

		fake := &fakeS3{err: awserr.NewRequestFailure(awserr.New("NoSuchKey", "missing", nil), 404, "req-1")}
		_, _, err := newS3TransportWithClient(fake).Open(context.Background(), "s3://bucket/toy.csv")
		var httpErr *httpclient.HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, 404, httpErr.StatusCode)
		assert.False(t, isTransient(err))
	})

	t.Run("rejects urls without key", func(t *testing.T) {
		t.Parallel()

		_, _, err := newS3TransportWithClient(&fakeS3{}).Open(context.Background(), "s3://bucket")
		require.Error(t, err)
		assert.False(t, isTransient(err))
	})
}
