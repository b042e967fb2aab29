package extraction

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Document is a source file split into one image per page, ready for
// page-by-page extraction. It is ephemeral; nothing persists it.
type Document struct {
	FileID   string
	Name     string
	MimeType string
	Pages    [][]byte
}

// PrepareDocument turns the downloaded file into page images. PDFs are
// rasterized with pdftoppm; plain images are a single page. Anything else
// is ErrUnsupportedFormat and routes the whole document to the failed store.
func PrepareDocument(fileID, name, mimeType string, data []byte) (*Document, error) {
	const op = "PrepareDocument"

	doc := &Document{FileID: fileID, Name: name, MimeType: mimeType}

	switch {
	case mimeType == "application/pdf" || strings.HasSuffix(strings.ToLower(name), ".pdf"):
		pages, err := renderPDFPages(data)
		if err != nil {
			return nil, &Error{Op: op, Err: err, File: name}
		}
		doc.Pages = pages
	case strings.HasPrefix(mimeType, "image/"):
		doc.Pages = [][]byte{data}
	default:
		return nil, &Error{Op: op, Err: ErrUnsupportedFormat, File: name, Details: mimeType}
	}

	if len(doc.Pages) == 0 {
		return nil, &Error{Op: op, Err: ErrEmptyDocument, File: name}
	}
	return doc, nil
}

// renderPDFPages rasterizes every PDF page to PNG via poppler's pdftoppm.
func renderPDFPages(data []byte) ([][]byte, error) {
	tmpDir, err := os.MkdirTemp("", "paperflow-pages-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	pdfPath := filepath.Join(tmpDir, "source.pdf")
	if err := os.WriteFile(pdfPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write temp PDF: %w", err)
	}

	outPrefix := filepath.Join(tmpDir, "page")
	cmd := exec.Command("pdftoppm", "-png", "-r", "150", pdfPath, outPrefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	entries, err := filepath.Glob(outPrefix + "-*.png")
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)

	var pages [][]byte
	for _, path := range entries {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rendered page %s: %w", path, err)
		}
		pages = append(pages, content)
	}
	return pages, nil
}
