// Package ingest parses source documents, splits them into chunks and
// coordinates writes to the chunk store and the chunk vector index with
// all-or-nothing semantics.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dslipak/pdf"
	"gopkg.in/yaml.v3"

	qerrors "github.com/quiverdocs/quiver/internal/errors"
)

// Page is a unit of extracted source text. Number is 1-based for PDFs
// and 0 for formats without pages.
type Page struct {
	Number int
	Text   string
}

// Format identifies a supported source media type.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
)

// frontMatterPattern matches YAML front matter: ---\n...\n---
var frontMatterPattern = regexp.MustCompile(`(?s)^---\n(.+?)\n---\n*`)

// DetectFormat resolves the media type from the file extension.
func DetectFormat(path string) (Format, error) {
	if strings.TrimSpace(path) == "" {
		return "", qerrors.New(qerrors.ErrCodeInvalidPath, "source path is empty", nil)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return FormatText, nil
	case ".md":
		return FormatMarkdown, nil
	case ".pdf":
		return FormatPDF, nil
	default:
		return "", qerrors.New(qerrors.ErrCodeUnsupportedFormat,
			fmt.Sprintf("unsupported format %q (supported: .txt, .md, .pdf)", filepath.Ext(path)), nil)
	}
}

// ParseSource extracts the text of a source file. PDFs yield one Page
// per document page; text and Markdown yield a single page without a
// page number.
func ParseSource(path string) ([]Page, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatText:
		return parseText(path)
	case FormatMarkdown:
		return parseMarkdown(path)
	case FormatPDF:
		return parsePDF(path)
	}
	return nil, qerrors.New(qerrors.ErrCodeUnsupportedFormat, string(format), nil)
}

func parseText(path string) ([]Page, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeFileNotFound, fmt.Sprintf("cannot read %s", path), err)
	}
	return []Page{{Text: string(content)}}, nil
}

// parseMarkdown reads a Markdown file and strips YAML front matter.
// The front matter is only removed when it actually parses as YAML;
// a stray --- ruler at the top of a document is left alone.
func parseMarkdown(path string) ([]Page, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeFileNotFound, fmt.Sprintf("cannot read %s", path), err)
	}

	text := string(content)
	if m := frontMatterPattern.FindStringSubmatch(text); m != nil {
		var probe map[string]any
		if yaml.Unmarshal([]byte(m[1]), &probe) == nil {
			text = text[len(m[0]):]
		}
	}
	return []Page{{Text: text}}, nil
}

// parsePDF extracts the text layer of each page.
func parsePDF(path string) ([]Page, error) {
	reader, err := pdf.Open(path)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeFileNotFound, fmt.Sprintf("cannot open PDF %s", path), err)
	}

	pages := make([]Page, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not sink the document.
			continue
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}
