package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"

	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
)

const (
	// CodecNone is the engine's marker for a missing media type.
	CodecNone = "none"

	// AV1CodecPrefix identifies AV1 video codec strings such as "av01.0.05M.08".
	AV1CodecPrefix = "av01."

	// DefaultChunkSize matches the engine's http_chunk_size for throttled streams.
	DefaultChunkSize int64 = 10_485_760
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(formatStructLevel, Format{})
	return v
}

func formatStructLevel(sl validator.StructLevel) {
	f := sl.Current().Interface().(Format)
	if f.IsAudioOnly() && f.IsVideoOnly() {
		sl.ReportError(f.VCodec, "VCodec", "vcodec", "mediatype", "")
	}
}

// Header is a single HTTP header as reported by the engine.
type Header struct {
	Name  string
	Value string
}

// HTTPHeaders keeps the engine's header order.
type HTTPHeaders []Header

// UnmarshalJSON decodes a JSON object into headers in document order.
func (h *HTTPHeaders) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*h = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("http_headers: expected object, got %v", tok)
	}

	var out HTTPHeaders
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("http_headers: unexpected key %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("http_headers[%s]: %w", name, err)
		}
		out = append(out, Header{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*h = out
	return nil
}

// MarshalJSON encodes headers as a JSON object in stored order.
func (h HTTPHeaders) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, hdr := range h {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(hdr.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(hdr.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the first value stored for name, compared exactly.
func (h HTTPHeaders) Get(name string) (string, bool) {
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value, true
		}
	}
	return "", false
}

// DownloaderOptions carries per-format hints for the HTTP downloader.
type DownloaderOptions struct {
	HTTPChunkSize int64 `json:"http_chunk_size,omitempty"`
}

// Format is one downloadable stream candidate produced by the extraction engine.
// Values are read-only once decoded.
type Format struct {
	FormatID          string             `json:"format_id" validate:"required"`
	Ext               string             `json:"ext" validate:"required"`
	VCodec            string             `json:"vcodec,omitempty"`
	ACodec            string             `json:"acodec,omitempty"`
	TBR               *float64           `json:"tbr,omitempty"`
	VBR               *float64           `json:"vbr,omitempty"`
	ABR               *float64           `json:"abr,omitempty"`
	ASR               *int               `json:"asr,omitempty"`
	FPS               *float64           `json:"fps,omitempty"`
	Width             *int               `json:"width,omitempty"`
	Height            *int               `json:"height,omitempty"`
	Resolution        string             `json:"resolution,omitempty"`
	FileSize          *int64             `json:"filesize,omitempty"`
	FileSizeApprox    *int64             `json:"filesize_approx,omitempty"`
	FormatNote        string             `json:"format_note,omitempty"`
	Protocol          string             `json:"protocol,omitempty"`
	URL               string             `json:"url" validate:"required"`
	HTTPHeaders       HTTPHeaders        `json:"http_headers,omitempty"`
	DownloaderOptions *DownloaderOptions `json:"downloader_options,omitempty"`
}

// IsAudioOnly reports whether the format carries no video.
func (f Format) IsAudioOnly() bool { return f.VCodec == CodecNone }

// IsVideoOnly reports whether the format carries no audio.
func (f Format) IsVideoOnly() bool { return f.ACodec == CodecNone }

// ChunkSize returns the byte-range chunk size hint, or DefaultChunkSize.
func (f Format) ChunkSize() int64 {
	if f.DownloaderOptions != nil && f.DownloaderOptions.HTTPChunkSize > 0 {
		return f.DownloaderOptions.HTTPChunkSize
	}
	return DefaultChunkSize
}

// IsDirectHTTP reports whether the stream is a plain HTTP resource that can be
// fetched with byte ranges. Fragmented protocols are left to the engine.
func (f Format) IsDirectHTTP() bool {
	switch f.Protocol {
	case "", "http", "https":
		return true
	default:
		return false
	}
}

// Validate checks the decoded format against the codec and URL rules.
func (f Format) Validate() error {
	if err := validate.Struct(f); err != nil {
		return &errpkg.DecodeError{What: "format " + f.FormatID, Err: err}
	}
	return nil
}

// RequestDescriptor builds the outbound GET request with every stored header
// attached verbatim.
func (f Format) RequestDescriptor(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(f.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errpkg.ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no scheme or host", errpkg.ErrInvalidURL, f.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errpkg.ErrInvalidURL, err)
	}
	for _, hdr := range f.HTTPHeaders {
		req.Header[hdr.Name] = append(req.Header[hdr.Name], hdr.Value)
	}
	return req, nil
}

// DecodeFormats decodes a raw JSON array of format records and validates each one.
func DecodeFormats(raw json.RawMessage) ([]Format, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, &errpkg.DecodeError{What: "formats", Err: errpkg.ErrNoFormats}
	}

	var formats []Format
	if err := json.Unmarshal(raw, &formats); err != nil {
		return nil, &errpkg.DecodeError{What: "formats", Err: err}
	}
	for _, f := range formats {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	return formats, nil
}
