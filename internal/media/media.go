// Package media implements the media preparation pipeline: decode a
// caller-supplied payload (inline data or a remote URL) into an opaque
// handle the chat client can upload, enforcing the 10 MiB cap either way.
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tenantwa/gateway/internal/apierr"
)

const maxMediaBytes = 10 * 1024 * 1024

// Input is the caller-supplied media payload; exactly one of Data or URL
// must be set.
type Input struct {
	Data        string
	URL         string
	Filename    string
	MimeType    string
	SaveToTemp  *bool
}

// Prepared is the opaque media handle passed on to the chat client, plus
// the optional on-disk preview path.
type Prepared struct {
	MimeType    string
	Base64      string
	Filename    string
	PreviewPath string
}

// Preparer resolves Input payloads into Prepared handles, writing a
// preview copy to tempDir unless explicitly disabled.
type Preparer struct {
	client  *http.Client
	tempDir string
	nowMS   func() int64
}

func New(tempDir string) *Preparer {
	return &Preparer{
		client:  &http.Client{Timeout: 30 * time.Second},
		tempDir: tempDir,
		nowMS:   func() int64 { return time.Now().UnixMilli() },
	}
}

func (p *Preparer) Prepare(ctx context.Context, in Input) (*Prepared, error) {
	hasData := in.Data != ""
	hasURL := in.URL != ""
	if hasData == hasURL {
		return nil, apierr.New(apierr.InvalidPayload, "exactly one of data or url must be supplied")
	}

	var raw []byte
	var mimeType string
	var filename string
	var err error

	if hasData {
		raw, err = decodeDataPayload(in.Data)
		if err != nil {
			return nil, err
		}
		if len(raw) > maxMediaBytes {
			return nil, apierr.New(apierr.MediaTooLarge, "media payload exceeds 10 MiB")
		}
		mimeType = in.MimeType
		if mimeType == "" && strings.HasPrefix(in.Data, "data:") {
			if end := strings.IndexAny(in.Data, ";,"); end > len("data:") {
				mimeType = in.Data[len("data:"):end]
			}
		}
		filename = in.Filename
	} else {
		raw, mimeType, filename, err = p.fetchURL(ctx, in.URL)
		if err != nil {
			return nil, err
		}
		if in.MimeType != "" {
			mimeType = in.MimeType
		}
		if in.Filename != "" {
			filename = in.Filename
		}
	}

	if filename == "" {
		filename = "image.jpg"
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	prepared := &Prepared{
		MimeType: mimeType,
		Base64:   base64.StdEncoding.EncodeToString(raw),
		Filename: filename,
	}

	if in.SaveToTemp == nil || *in.SaveToTemp {
		previewPath, err := p.writeTempCopy(raw, filename)
		if err != nil {
			return nil, apierr.Wrap(apierr.BadGateway, err, "failed to write media preview")
		}
		prepared.PreviewPath = previewPath
	}

	return prepared, nil
}

func decodeDataPayload(data string) ([]byte, error) {
	payload := data
	if idx := strings.Index(data, ","); idx != -1 && strings.HasPrefix(data, "data:") {
		payload = data[idx+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidPayload, err, "failed to decode media data")
	}
	return raw, nil
}

func (p *Preparer) fetchURL(ctx context.Context, rawURL string) ([]byte, string, string, error) {
	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, "", "", apierr.Wrap(apierr.BadGateway, err, "failed to build media HEAD request")
	}
	headResp, err := p.client.Do(headReq)
	if err != nil {
		return nil, "", "", apierr.Wrap(apierr.BadGateway, err, "media HEAD request failed")
	}
	headResp.Body.Close()

	contentLength := headResp.Header.Get("Content-Length")
	if contentLength == "" {
		return nil, "", "", apierr.New(apierr.MediaTooLarge, "media url did not report a content length")
	}
	size, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil || size > maxMediaBytes {
		return nil, "", "", apierr.New(apierr.MediaTooLarge, "media exceeds 10 MiB")
	}

	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", "", apierr.Wrap(apierr.BadGateway, err, "failed to build media GET request")
	}
	getResp, err := p.client.Do(getReq)
	if err != nil {
		return nil, "", "", apierr.Wrap(apierr.BadGateway, err, "media GET request failed")
	}
	defer getResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(getResp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", "", apierr.Wrap(apierr.BadGateway, err, "failed to read media body")
	}
	if len(raw) > maxMediaBytes {
		return nil, "", "", apierr.New(apierr.MediaTooLarge, "media exceeds 10 MiB")
	}

	filename := ""
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			filename = base
		}
	}

	return raw, getResp.Header.Get("Content-Type"), filename, nil
}

func (p *Preparer) writeTempCopy(raw []byte, filename string) (string, error) {
	if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
		return "", err
	}
	destPath := fmt.Sprintf("%s/%d-%s", strings.TrimRight(p.tempDir, "/"), p.nowMS(), filename)
	if err := os.WriteFile(destPath, raw, 0o644); err != nil {
		return "", err
	}
	return destPath, nil
}
