package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"

	"github.com/hyperjump/chishiki/internal/models"
	"github.com/xuri/excelize/v2"
)

// zipOf builds a zip archive from name/content pairs.
func zipOf(t *testing.T, files ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for i := 0; i+1 < len(files); i += 2 {
		fw, err := w.Create(files[i])
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(files[i+1]))
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const wordDoc = `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
	`<w:p w:rsidR="00A1"><w:r><w:t>Searchable</w:t></w:r><w:r><w:t xml:space="preserve"> docx content </w:t></w:r></w:p>` +
	`</w:body></w:document>`

func TestExtractText(t *testing.T) {
	e := NewExtractor()
	tests := []struct {
		name        string
		raw         []byte
		contentType string
		want        string
	}{
		{"plain", []byte("hello world"), "text/plain", "hello world"},
		{"charset parameter", []byte("héllo"), "text/plain; charset=utf-8", "héllo"},
		{"markdown", []byte("# Title\n\nbody"), "text/markdown", "# Title\n\nbody"},
		{"bom", append([]byte{0xEF, 0xBB, 0xBF}, "text"...), "text/plain", "text"},
		{"invalid utf8", []byte{'a', 0xff, 'b'}, "text/plain", "a\ufffdb"},
		{"docx", zipOf(t, "word/document.xml", wordDoc), TypeDOCX, "Searchable docx content"},
		{
			"docx custom main part",
			zipOf(t,
				"[Content_Types].xml", `<Types><Override ContentType="`+docxMainContentType+`" PartName="/word/document2.xml"/></Types>`,
				"word/document2.xml", wordDoc),
			TypeDOCX, "Searchable docx content",
		},
		{
			"pptx slide order",
			zipOf(t,
				"ppt/slides/slide10.xml", `<p:sld><a:t>ten</a:t></p:sld>`,
				"ppt/slides/slide2.xml", `<p:sld><a:t>two</a:t></p:sld>`,
				"ppt/slides/_rels/slide2.xml.rels", `<a:t>ignored</a:t>`),
			TypePPTX, "two ten",
		},
		{
			"odp",
			zipOf(t, "content.xml", `<office:document-content><text:h text:outline-level="1">Heading</text:h><text:p>Slide text</text:p></office:document-content>`),
			TypeODP, "Heading Slide text",
		},
		{
			"ods",
			zipOf(t, "content.xml", `<table:table-cell><text:p>Cell A</text:p></table:table-cell><table:table-cell><text:p><text:span>Cell B</text:span></text:p></table:table-cell>`),
			TypeODS, "Cell A Cell B",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.ExtractText(tt.raw, tt.contentType)
			if err != nil {
				t.Fatalf("ExtractText: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractText_Excel(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	_ = f.SetCellValue("Sheet1", "A1", "Title")
	_ = f.SetCellValue("Sheet1", "A2", "Value 1")
	_ = f.SetCellValue("Sheet1", "B2", "Value 2")
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := NewExtractor().ExtractText(buf.Bytes(), TypeXLSX)
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if got != "Title\nValue 1\tValue 2" {
		t.Errorf("got %q", got)
	}
}

func TestExtractText_ExcelSheets(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	_ = f.SetCellValue("Sheet1", "A1", "Region")
	_ = f.SetCellValue("Sheet1", "B1", "Total")
	_ = f.SetCellValue("Sheet1", "A3", "North")
	_ = f.SetCellValue("Sheet1", "B3", 42)
	if _, err := f.NewSheet("Empty"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.NewSheet("Notes"); err != nil {
		t.Fatal(err)
	}
	_ = f.SetCellValue("Notes", "A1", "checked")
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := NewExtractor().ExtractText(buf.Bytes(), TypeXLSX)
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	want := "# Sheet1\nRegion\tTotal\nNorth\t42\n\n# Notes\nchecked"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractText_Errors(t *testing.T) {
	e := NewExtractor()
	tests := []struct {
		name        string
		raw         []byte
		contentType string
		kind        error
	}{
		{"unsupported", []byte("x"), "image/png", models.ErrUnsupportedType},
		{"empty type", []byte("x"), "", models.ErrUnsupportedType},
		{"docx not zip", []byte("not a zip"), TypeDOCX, models.ErrCorruptContent},
		{"odt without content", zipOf(t, "meta.xml", "<x/>"), TypeODT, models.ErrCorruptContent},
		{"pdf garbage", []byte("%PDF-garbage"), TypePDF, models.ErrCorruptContent},
		{"xlsx garbage", []byte("garbage"), TypeXLSX, models.ErrCorruptContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ExtractText(tt.raw, tt.contentType)
			if !errors.Is(err, models.ErrExtractionFailed) {
				t.Fatalf("expected ErrExtractionFailed, got %v", err)
			}
			if !errors.Is(err, tt.kind) {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
		})
	}
}

func TestContentTypeForPath(t *testing.T) {
	tests := map[string]string{
		"notes.TXT":      TypePlain,
		"/a/b/readme.md": TypeMarkdown,
		"report.pdf":     TypePDF,
		"deck.pptx":      TypePPTX,
		"photo.jpg":      "",
		"Makefile":       "",
	}
	for path, want := range tests {
		if got := ContentTypeForPath(path); got != want {
			t.Errorf("ContentTypeForPath(%q) = %q, want %q", path, got, want)
		}
	}
	e := NewExtractor()
	if !e.Supports("text/markdown; charset=utf-8") || e.Supports("image/png") {
		t.Error("Supports mismatch")
	}
}
