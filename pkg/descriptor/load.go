package descriptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"

	"github.com/japaniel/docdedup/pkg/db"
)

// Document is a descriptor with its raw bytes read and its text resolved.
type Document struct {
	*Descriptor
	Raw      []byte
	Text     string
	Type     db.DocumentType
	Metadata db.Metadata
	Quality  float64
}

// Loader reads raw bytes and resolves text. Reads that fail for reasons
// other than a missing or forbidden file are retried.
type Loader struct {
	Retries int
	Backoff time.Duration

	// ReadFile is swapped out by tests; nil means os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// NewLoader returns a Loader that retries failed reads.
func NewLoader(retries int, backoff time.Duration) *Loader {
	if retries < 0 {
		retries = 0
	}
	return &Loader{Retries: retries, Backoff: backoff}
}

// Load validates d, reads its raw bytes and resolves its text.
func (l *Loader) Load(ctx context.Context, d *Descriptor) (*Document, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	raw := d.RawBytes
	if len(raw) == 0 && d.RawPath != "" {
		var err error
		if raw, err = l.read(ctx, d.RawPath); err != nil {
			return nil, err
		}
	}

	text := d.ExtractedText
	if strings.TrimSpace(text) == "" && len(raw) == 0 {
		return nil, &InvalidError{Identifier: d.OriginalIdentifier, Reason: "no raw bytes or text"}
	}
	if strings.TrimSpace(text) == "" {
		var err error
		if text, err = extractText(d, raw); err != nil {
			return nil, err
		}
	}

	docType := d.Type()
	return &Document{
		Descriptor: d,
		Raw:        raw,
		Text:       text,
		Type:       docType,
		Metadata:   d.Metadata.Applicable(docType),
		Quality:    d.Quality(),
	}, nil
}

func (l *Loader) read(ctx context.Context, path string) ([]byte, error) {
	readFile := l.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= l.Retries; attempt++ {
		attempts++
		data, err := readFile(path)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, &UnreadableError{Path: path, Err: err}
		}
		lastErr = err
		if attempt == l.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.Backoff * time.Duration(attempt+1)):
		}
	}
	return nil, &TransientIOError{Path: path, Attempts: attempts, Err: lastErr}
}

func formatOf(d *Descriptor, raw []byte) string {
	switch f := strings.ToLower(strings.TrimSpace(d.Format)); f {
	case "html", "htm":
		return "html"
	case "pdf":
		return "pdf"
	case "text", "txt", "plain":
		return "text"
	}
	if f, ok := rawExtensions[strings.ToLower(filepath.Ext(d.RawPath))]; ok {
		return f
	}
	ct := http.DetectContentType(raw)
	switch {
	case strings.HasPrefix(ct, "text/html"):
		return "html"
	case strings.HasPrefix(ct, "application/pdf"):
		return "pdf"
	case strings.HasPrefix(ct, "text/"):
		return "text"
	}
	return ""
}

func extractText(d *Descriptor, raw []byte) (string, error) {
	format := formatOf(d, raw)
	var (
		text string
		err  error
	)
	switch format {
	case "html":
		text, err = htmlText(d, raw)
	case "pdf":
		text, err = pdfText(raw)
	case "text":
		text = string(raw)
	default:
		err = fmt.Errorf("no text extractor for this format")
	}
	if err != nil {
		return "", &ExtractionError{Identifier: d.OriginalIdentifier, Format: format, Err: err}
	}
	return text, nil
}

func htmlText(d *Descriptor, raw []byte) (string, error) {
	pageURL := &url.URL{Scheme: "file", Path: "/" + strings.TrimPrefix(filepath.ToSlash(d.OriginalIdentifier), "/")}
	article, err := readability.FromReader(bytes.NewReader(SanitizeRuby(raw)), pageURL)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(article.TextContent), nil
}

func pdfText(raw []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, reader); err != nil {
		return "", fmt.Errorf("read extracted text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
