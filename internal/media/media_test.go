package media

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantwa/gateway/internal/apierr"
)

func TestPrepare_RejectsWhenBothOrNeitherSupplied(t *testing.T) {
	p := New(t.TempDir())

	_, err := p.Prepare(context.Background(), Input{})
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidPayload, apierr.CodeOf(err))

	_, err = p.Prepare(context.Background(), Input{Data: "aGVsbG8=", URL: "http://example.com/x.png"})
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidPayload, apierr.CodeOf(err))
}

func TestPrepare_DecodesRawBase64AndWritesPreview(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)

	raw := []byte("a small image")
	encoded := base64.StdEncoding.EncodeToString(raw)

	result, err := p.Prepare(context.Background(), Input{Data: encoded, Filename: "pic.png", MimeType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", result.MimeType)
	assert.Equal(t, "pic.png", result.Filename)
	assert.NotEmpty(t, result.PreviewPath)

	contents, err := os.ReadFile(result.PreviewPath)
	require.NoError(t, err)
	assert.Equal(t, raw, contents)
}

func TestPrepare_DecodesDataURLForm(t *testing.T) {
	p := New(t.TempDir())
	raw := []byte("hi")
	encoded := base64.StdEncoding.EncodeToString(raw)

	result, err := p.Prepare(context.Background(), Input{Data: "data:image/png;base64," + encoded})
	require.NoError(t, err)
	assert.Equal(t, "image/png", result.MimeType)
}

func TestPrepare_RejectsOversizedInlineData(t *testing.T) {
	p := New(t.TempDir())
	big := strings.Repeat("a", maxMediaBytes+1)
	encoded := base64.StdEncoding.EncodeToString([]byte(big))

	_, err := p.Prepare(context.Background(), Input{Data: encoded})
	require.Error(t, err)
	assert.Equal(t, apierr.MediaTooLarge, apierr.CodeOf(err))
}

func TestPrepare_SkipsTempWriteWhenDisabled(t *testing.T) {
	p := New(t.TempDir())
	encoded := base64.StdEncoding.EncodeToString([]byte("hi"))
	no := false

	result, err := p.Prepare(context.Background(), Input{Data: encoded, SaveToTemp: &no})
	require.NoError(t, err)
	assert.Empty(t, result.PreviewPath)
}

func TestPrepare_URLFlow_RejectsMissingContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(t.TempDir())
	_, err := p.Prepare(context.Background(), Input{URL: srv.URL + "/img.jpg"})
	require.Error(t, err)
	assert.Equal(t, apierr.MediaTooLarge, apierr.CodeOf(err))
}

func TestPrepare_URLFlow_FetchesAndDefaultsFilename(t *testing.T) {
	body := []byte("remote bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "12")
		w.Header().Set("Content-Type", "image/jpeg")
		if r.Method == http.MethodGet {
			w.Write(body)
		}
	}))
	defer srv.Close()

	p := New(t.TempDir())
	result, err := p.Prepare(context.Background(), Input{URL: srv.URL + "/"})
	require.NoError(t, err)
	assert.Equal(t, "image.jpg", result.Filename)
	assert.Equal(t, "image/jpeg", result.MimeType)
}
