package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const bucketName = "test-bucket"

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: bucketName})
	require.NoError(t, err)
	return store
}

func TestPutObject(t *testing.T) {
	objectName := "pages/57587/abc.html"
	objectData := []byte("<html>pavot</html>")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucketName))
		assert.Equal(t, objectName, r.URL.Query().Get("name"))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

		body, err := io.ReadAll(r.Body)
		if assert.NoError(t, err) {
			assert.Contains(t, string(body), string(objectData))
			assert.Contains(t, string(body), "text/html")
		}
		fmt.Fprintln(w, `{ "name": "`+objectName+`" }`)
	})

	store := newTestStore(t, handler)
	uri, err := store.PutObject(context.Background(), objectName, "text/html", bytes.NewReader(objectData))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/pages/57587/abc.html", uri)
	assert.NoError(t, store.Close(), "borrowed clients are left open")
}

func TestPutObjectError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	store := newTestStore(t, handler)
	_, err := store.PutObject(context.Background(), "x.html", "", bytes.NewReader([]byte("x")))
	assert.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{Bucket: bucketName})
	assert.Error(t, err)

	_, err = Dial(context.Background(), Config{})
	assert.Error(t, err)
}

func TestDialChecksBucket(t *testing.T) {
	status := http.StatusOK
	httpClient := &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			assert.Contains(t, r.URL.Path, fmt.Sprintf("/storage/v1/b/%s", bucketName))
			return &http.Response{
				StatusCode: status,
				Body:       io.NopCloser(strings.NewReader(`{}`)),
				Header:     make(http.Header),
				Request:    r,
			}, nil
		}),
	}
	opts := []option.ClientOption{option.WithoutAuthentication(), option.WithHTTPClient(httpClient)}

	store, err := Dial(context.Background(), Config{Bucket: bucketName}, opts...)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	status = http.StatusNotFound
	_, err = Dial(context.Background(), Config{Bucket: bucketName}, opts...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attributes")
}
