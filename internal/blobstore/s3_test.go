package blobstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campaignmailer/pkg/config"
)

// fakeS3 是一个只支持 path-style PUT/GET/DELETE 的内存 S3
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := r.URL.Path
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[p] = data
		f.types[p] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[p]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", f.types[p])
		_, _ = w.Write(data)
	case http.MethodDelete:
		delete(f.objects, p)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewS3Store(context.Background(), config.S3Config{
		Bucket:          "uploads",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}, zap.NewNop())
	require.NoError(t, err)
	return store, fake
}

func TestS3Store_PutGetDelete(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()

	key, err := store.WithPrefix("attachments/").Put(ctx, []byte("hello"), "../brochure 2026.pdf", "application/pdf")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "attachments/"))
	assert.True(t, strings.HasSuffix(key, "-brochure_2026.pdf"))
	assert.Equal(t, "application/pdf", fake.types["/uploads/"+key])

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "list.csv", sanitizeName("list.csv"))
	assert.Equal(t, "list.csv", sanitizeName(`C:\Users\me\list.csv`))
	assert.Equal(t, "my_list_.xlsx", sanitizeName("my list!.xlsx"))
	assert.Equal(t, "file", sanitizeName(".."))
}
