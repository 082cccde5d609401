package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
)

var ErrUnsupportedFormat = errors.New("unsupported conversion")

const pdfaConformance = "PDF/A-2b"

// maxErrorBody caps how much of a failed Gotenberg response is kept.
const maxErrorBody = 4 << 10

const markdownTemplate = `<!doctype html>
<html>
  <head><meta charset="utf-8"><title>%s</title></head>
  <body>{{ toHTML "%s" }}</body>
</html>
`

// Document is an input or output file held in memory.
type Document struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Converter turns a document into the target format.
type Converter interface {
	Supports(sourceFormat, targetFormat string) error
	Convert(ctx context.Context, in Document, sourceFormat, targetFormat string) (Document, error)
}

type route int

const (
	routeLibreOffice route = iota
	routeHTML
	routeMarkdown
)

var sourceRoutes = map[string]route{
	"doc": routeLibreOffice, "docx": routeLibreOffice, "odt": routeLibreOffice,
	"xls": routeLibreOffice, "xlsx": routeLibreOffice, "ods": routeLibreOffice,
	"ppt": routeLibreOffice, "pptx": routeLibreOffice, "odp": routeLibreOffice,
	"rtf": routeLibreOffice, "txt": routeLibreOffice,
	"png": routeLibreOffice, "jpg": routeLibreOffice, "jpeg": routeLibreOffice,
	"html": routeHTML, "htm": routeHTML,
	"md": routeMarkdown, "markdown": routeMarkdown,
}

var targetFormats = map[string]bool{"pdf": true, "pdfa": true}

type GotenbergService struct {
	baseURL string
	client  *http.Client
}

func NewGotenbergService(baseURL string) *GotenbergService {
	return &GotenbergService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

// Supports reports whether Gotenberg can convert between the formats.
func (g *GotenbergService) Supports(sourceFormat, targetFormat string) error {
	if _, ok := sourceRoutes[sourceFormat]; !ok {
		return fmt.Errorf("%w: source format %q", ErrUnsupportedFormat, sourceFormat)
	}
	if !targetFormats[targetFormat] {
		return fmt.Errorf("%w: target format %q", ErrUnsupportedFormat, targetFormat)
	}
	return nil
}

func (g *GotenbergService) Convert(ctx context.Context, in Document, sourceFormat, targetFormat string) (Document, error) {
	if err := g.Supports(sourceFormat, targetFormat); err != nil {
		return Document{}, err
	}

	// Create multipart form
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	var path string
	switch sourceRoutes[sourceFormat] {
	case routeHTML:
		path = "/forms/chromium/convert/html"
		if err := writeFormFile(writer, "index.html", in.Data); err != nil {
			return Document{}, err
		}
	case routeMarkdown:
		path = "/forms/chromium/convert/markdown"
		mdName := "content.md"
		index := fmt.Sprintf(markdownTemplate, outputBaseName(in.FileName), mdName)
		if err := writeFormFile(writer, "index.html", []byte(index)); err != nil {
			return Document{}, err
		}
		if err := writeFormFile(writer, mdName, in.Data); err != nil {
			return Document{}, err
		}
	default:
		path = "/forms/libreoffice/convert"
		name := filepath.Base(in.FileName)
		if !strings.EqualFold(strings.TrimPrefix(filepath.Ext(name), "."), sourceFormat) {
			name = outputBaseName(name) + "." + sourceFormat
		}
		if err := writeFormFile(writer, name, in.Data); err != nil {
			return Document{}, err
		}
	}

	if targetFormat == "pdfa" {
		// PDF/A-2b: archival standard with better compression than 1b
		if err := writer.WriteField("pdfa", pdfaConformance); err != nil {
			return Document{}, fmt.Errorf("failed to write pdfa field: %w", err)
		}
	}

	// Close writer
	if err := writer.Close(); err != nil {
		return Document{}, fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, body)
	if err != nil {
		return Document{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("gotenberg request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Document{}, fmt.Errorf("gotenberg returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return Document{}, fmt.Errorf("failed to read converted file: %w", err)
	}

	return Document{
		FileName:    outputBaseName(in.FileName) + ".pdf",
		ContentType: "application/pdf",
		Data:        out,
	}, nil
}

func writeFormFile(w *multipart.Writer, name string, data []byte) error {
	part, err := w.CreateFormFile("files", name)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}

// outputBaseName strips directories and the extension from a file name.
func outputBaseName(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == "/" {
		return "document"
	}
	return base
}
