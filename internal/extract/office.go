package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	docxDefaultPath     = "word/document.xml"
	contentTypesPath    = "[Content_Types].xml"
	docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
	pptxSlidePrefix     = "ppt/slides/slide"
	openDocumentContent = "content.xml"
)

var (
	// <w:t>text</w:t> with any attributes.
	wtTag = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	// <a:t>text</a:t> with any attributes.
	atTag = regexp.MustCompile(`<a:t[^>]*>([^<]*)</a:t>`)
	// text:p, text:h and text:span elements whose body has no nested markup.
	odfText = regexp.MustCompile(`<text:(?:p|h|span)\b[^>]*>([^<]*)</text:(?:p|h|span)>`)

	overrideTag   = regexp.MustCompile(`<Override\b[^>]*>`)
	partNameAttr  = regexp.MustCompile(`PartName="([^"]+)"`)
	contentTypeAt = regexp.MustCompile(`ContentType="([^"]+)"`)
	slideNumber   = regexp.MustCompile(`slide(\d+)\.xml$`)
)

func openZip(content []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("not a zip archive: %w", err)
	}
	return zr, nil
}

func readZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", f.Name, err)
	}
	return string(b), nil
}

func readZipEntry(zr *zip.Reader, name string) (string, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return readZipFile(f)
		}
	}
	return "", fmt.Errorf("%s not found", name)
}

// joinMatches joins the first capture group of every match with single spaces.
func joinMatches(b *strings.Builder, re *regexp.Regexp, xml string) {
	for _, m := range re.FindAllStringSubmatch(xml, -1) {
		text := strings.TrimSpace(m[1])
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
}

// docxMainPart returns the main document part named in [Content_Types].xml, or
// the conventional path when none is declared.
func docxMainPart(zr *zip.Reader) string {
	types, err := readZipEntry(zr, contentTypesPath)
	if err != nil {
		return docxDefaultPath
	}
	for _, tag := range overrideTag.FindAllString(types, -1) {
		ct := contentTypeAt.FindStringSubmatch(tag)
		part := partNameAttr.FindStringSubmatch(tag)
		if ct != nil && part != nil && ct[1] == docxMainContentType {
			return strings.TrimPrefix(part[1], "/")
		}
	}
	return docxDefaultPath
}

// extractDOCX collects every <w:t> run of the main document part. Paragraph
// attributes are ignored so documents written by any editor yield text.
func extractDOCX(content []byte) (string, error) {
	zr, err := openZip(content)
	if err != nil {
		return "", err
	}
	xml, err := readZipEntry(zr, docxMainPart(zr))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	joinMatches(&b, wtTag, xml)
	return b.String(), nil
}

// extractPPTX collects the <a:t> runs of every slide in slide order.
func extractPPTX(content []byte) (string, error) {
	zr, err := openZip(content)
	if err != nil {
		return "", err
	}
	type slide struct {
		n int
		f *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, pptxSlidePrefix) {
			continue
		}
		m := slideNumber.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{n: n, f: f})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	var b strings.Builder
	for _, s := range slides {
		xml, err := readZipFile(s.f)
		if err != nil {
			return "", err
		}
		joinMatches(&b, atTag, xml)
	}
	return b.String(), nil
}

// extractOpenDocument handles ODT, ODP and ODS, which all keep their body in content.xml.
func extractOpenDocument(content []byte) (string, error) {
	zr, err := openZip(content)
	if err != nil {
		return "", err
	}
	xml, err := readZipEntry(zr, openDocumentContent)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	joinMatches(&b, odfText, xml)
	return b.String(), nil
}
