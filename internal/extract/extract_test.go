package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/tenderpipe/internal/job"
	"github.com/local/tenderpipe/internal/taskerr"
)

// stubDoc serves canned page text so extraction runs without a rendering
// backend. ImageJPEG encodes the page index for the OCR stub.
type stubDoc struct {
	pages   []string
	textErr map[int]error
}

func (d *stubDoc) NumPage() int { return len(d.pages) }

func (d *stubDoc) Text(page int) (string, error) {
	if err := d.textErr[page]; err != nil {
		return "", err
	}
	return d.pages[page], nil
}

func (d *stubDoc) ImageJPEG(page int, dpi float64) ([]byte, error) {
	return []byte(fmt.Sprintf("page-%d", page)), nil
}

func (d *stubDoc) Close() error { return nil }

type stubOpener struct {
	doc Doc
	err error
}

func (o stubOpener) Open(string) (Doc, error) { return o.doc, o.err }

type stubOCR struct {
	calls int
	text  string
	err   error
}

func (s *stubOCR) Recognize(image []byte, languages string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

func pdfExtractor(t *testing.T, opts Options, doc Doc, ocr OCREngine) *Extractor {
	t.Helper()
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	return &Extractor{
		opts:      opts,
		opener:    stubOpener{doc: doc},
		ocr:       ocr,
		pageCount: func(string) (int, error) { return doc.NumPage(), nil },
	}
}

func TestExtractPlainInline(t *testing.T) {
	e := &Extractor{opts: Options{TempDir: t.TempDir()}}
	in := job.InputRef{Data: []byte("Hello, world!\r\nSecond line.  \r\n\r\n\r\nThird.")}

	out, err := e.Extract(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "Hello, world!\nSecond line.\n\nThird.", out.Text)
	assert.Equal(t, job.MethodNative, out.Method)
	assert.Equal(t, "unknown", out.Language)
	assert.Equal(t, 1.0, out.Quality)
	assert.Equal(t, len(out.Text), out.ByteLen)
	assert.Equal(t, (len([]rune(out.Text))+3)/4, out.TokenEstimate)
	require.Len(t, out.Pages, 1)
	assert.Equal(t, job.PageStat{Index: 0, Offset: 0, Chars: len([]rune(out.Text))}, out.Pages[0])
}

func TestExtractPlainFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("file backed text"), 0o644))

	e := &Extractor{opts: Options{TempDir: dir}}
	out, err := e.Extract(context.Background(), job.InputRef{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "file backed text", out.Text)
}

func TestExtractSizeGate(t *testing.T) {
	e := &Extractor{opts: Options{MaxDocumentBytes: 10, TempDir: t.TempDir()}}

	_, err := e.Extract(context.Background(), job.InputRef{Data: []byte("12345678901")})
	assert.True(t, taskerr.Is(err, taskerr.CodeDocumentTooLarge), "got %v", err)

	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(path, []byte("12345678901"), 0o644))
	_, err = e.Extract(context.Background(), job.InputRef{Path: path})
	assert.True(t, taskerr.Is(err, taskerr.CodeDocumentTooLarge), "got %v", err)
}

func TestExtractEmptyInputs(t *testing.T) {
	e := &Extractor{opts: Options{TempDir: t.TempDir()}}

	_, err := e.Extract(context.Background(), job.InputRef{Data: nil})
	assert.True(t, taskerr.Is(err, taskerr.CodeDocumentEmpty), "got %v", err)

	_, err = e.Extract(context.Background(), job.InputRef{Data: []byte("   \n\t\n  ")})
	assert.True(t, taskerr.Is(err, taskerr.CodeDocumentEmpty), "whitespace only, got %v", err)

	_, err = e.Extract(context.Background(), job.InputRef{Path: filepath.Join(t.TempDir(), "missing.txt")})
	assert.True(t, taskerr.Is(err, taskerr.CodeDocumentCorrupt), "got %v", err)
}

func TestExtractUnsupportedType(t *testing.T) {
	e := &Extractor{opts: Options{TempDir: t.TempDir()}}
	png := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

	_, err := e.Extract(context.Background(), job.InputRef{Data: png})
	assert.True(t, taskerr.Is(err, taskerr.CodeDocumentUnsupported), "got %v", err)
}

func TestExtractCancelledContext(t *testing.T) {
	e := &Extractor{opts: Options{TempDir: t.TempDir()}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Extract(ctx, job.InputRef{Data: []byte("text")})
	assert.True(t, taskerr.Is(err, taskerr.CodeCancelled), "got %v", err)
}

func TestExtractPDFNative(t *testing.T) {
	pageOne := "First page body text with enough characters to count."
	pageTwo := "Second page continues the tender description in detail."
	doc := &stubDoc{pages: []string{pageOne, pageTwo}}
	ocr := &stubOCR{text: "should not run"}
	e := pdfExtractor(t, Options{OCRThreshold: 40}, doc, ocr)

	out, err := e.extractPDF(context.Background(), "tender.pdf")
	require.NoError(t, err)

	assert.Equal(t, job.MethodNative, out.Method)
	assert.Equal(t, 0, ocr.calls)
	assert.Equal(t, pageOne+"\n\n"+pageTwo, out.Text)
	require.Len(t, out.Pages, 2)
	assert.Equal(t, 0, out.Pages[0].Offset)
	assert.Equal(t, len(pageOne), out.Pages[0].Chars)
	assert.Equal(t, len(pageOne)+2, out.Pages[1].Offset)
	assert.Equal(t, len(pageTwo), out.Pages[1].Chars)
	assert.False(t, out.Pages[0].OCR)
	assert.False(t, out.Pages[1].OCR)
}

func TestExtractPDFOCRFallback(t *testing.T) {
	native := "A full page of native text that easily clears the near-empty bar."
	doc := &stubDoc{pages: []string{native, ""}}
	ocr := &stubOCR{text: "Recovered scanned text."}
	e := pdfExtractor(t, Options{OCRThreshold: 40, OCRLanguages: "por+eng"}, doc, ocr)

	out, err := e.extractPDF(context.Background(), "scan.pdf")
	require.NoError(t, err)

	assert.Equal(t, job.MethodOCR, out.Method)
	assert.Equal(t, 1, ocr.calls, "only the near-empty page goes through ocr")
	require.Len(t, out.Pages, 2)
	assert.False(t, out.Pages[0].OCR)
	assert.True(t, out.Pages[1].OCR)
	assert.Equal(t, native+"\n\nRecovered scanned text.", out.Text)
	assert.Equal(t, len(native)+2, out.Pages[1].Offset)
}

func TestExtractPDFNoOCREngine(t *testing.T) {
	doc := &stubDoc{pages: []string{"", ""}}
	e := pdfExtractor(t, Options{OCRThreshold: 40}, doc, nil)

	out, err := e.extractPDF(context.Background(), "scan.pdf")
	require.NoError(t, err)
	assert.Equal(t, "", out.Text)

	_, err = e.finalize(out)
	assert.True(t, taskerr.Is(err, taskerr.CodeDocumentEmpty), "got %v", err)
}

func TestExtractPDFThresholdDisabled(t *testing.T) {
	doc := &stubDoc{pages: []string{""}}
	ocr := &stubOCR{text: "would recover"}
	e := pdfExtractor(t, Options{OCRThreshold: 0}, doc, ocr)

	_, err := e.extractPDF(context.Background(), "scan.pdf")
	require.NoError(t, err)
	assert.Equal(t, 0, ocr.calls)
}

func TestExtractPDFPageTextError(t *testing.T) {
	good := "Only the second page yields text, and plenty of it too."
	doc := &stubDoc{
		pages:   []string{"broken", good},
		textErr: map[int]error{0: errors.New("damaged stream")},
	}
	e := pdfExtractor(t, Options{}, doc, nil)

	out, err := e.extractPDF(context.Background(), "partial.pdf")
	require.NoError(t, err)
	assert.Equal(t, good, out.Text)
	assert.Equal(t, 0, out.Pages[0].Chars)
	assert.Equal(t, len(good), out.Pages[1].Chars)
}

func TestExtractPDFCorruptAndEmpty(t *testing.T) {
	e := pdfExtractor(t, Options{}, &stubDoc{}, nil)
	e.pageCount = func(string) (int, error) { return 0, errors.New("xref broken") }
	_, err := e.extractPDF(context.Background(), "broken.pdf")
	assert.True(t, taskerr.Is(err, taskerr.CodeDocumentCorrupt), "got %v", err)

	e.pageCount = func(string) (int, error) { return 0, nil }
	_, err = e.extractPDF(context.Background(), "empty.pdf")
	assert.True(t, taskerr.Is(err, taskerr.CodeDocumentEmpty), "got %v", err)
}

func TestExtractPDFInlineSpills(t *testing.T) {
	doc := &stubDoc{pages: []string{"Inline pdf page text, long enough to skip the fallback."}}
	e := pdfExtractor(t, Options{OCRThreshold: 10}, doc, nil)

	data := []byte("%PDF-1.4\nfake body for sniffing only")
	out, err := e.Extract(context.Background(), job.InputRef{Data: data})
	require.NoError(t, err)
	assert.Equal(t, "Inline pdf page text, long enough to skip the fallback.", out.Text)

	leftovers, err := filepath.Glob(filepath.Join(e.opts.TempDir, tempPrefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "spilled blob must be cleaned up")
}

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const sampleDocumentXML = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:tab/><w:t>World</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second paragraph</w:t></w:r></w:p>
    <w:tbl><w:tr>
      <w:tc><w:p><w:r><w:t>Cell1</w:t></w:r></w:p></w:tc>
      <w:tc><w:p><w:r><w:t>Cell2</w:t></w:r></w:p></w:tc>
    </w:tr></w:tbl>
  </w:body>
</w:document>`

func TestExtractDOCX(t *testing.T) {
	data := buildDocx(t, sampleDocumentXML)

	raw, err := extractDOCX(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Contains(t, raw, "Hello\tWorld")
	assert.Contains(t, raw, "Second paragraph")
	assert.Contains(t, raw, "Cell1")

	e := &Extractor{opts: Options{TempDir: t.TempDir()}}
	out, err := e.Extract(context.Background(), job.InputRef{Data: data, ContentType: "docx"})
	require.NoError(t, err)
	assert.Equal(t, "Hello\tWorld\nSecond paragraph\nCell1\n\tCell2", out.Text)
	require.Len(t, out.Pages, 1)
	assert.Equal(t, len([]rune(out.Text)), out.Pages[0].Chars)
}

func TestExtractDOCXCorrupt(t *testing.T) {
	junk := []byte("this is not a zip archive at all")
	_, err := extractDOCX(bytes.NewReader(junk), int64(len(junk)))
	assert.True(t, taskerr.Is(err, taskerr.CodeDocumentCorrupt), "got %v", err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, werr := zw.Create("word/styles.xml")
	require.NoError(t, werr)
	_, werr = w.Write([]byte("<styles/>"))
	require.NoError(t, werr)
	require.NoError(t, zw.Close())

	_, err = extractDOCX(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	assert.True(t, taskerr.Is(err, taskerr.CodeDocumentCorrupt), "missing document.xml, got %v", err)
}

func TestExtractLegacyOfficeNeedsConverter(t *testing.T) {
	e := &Extractor{opts: Options{TempDir: t.TempDir()}}
	rtf := []byte(`{\rtf1\ansi Hello legacy world}`)

	_, err := e.Extract(context.Background(), job.InputRef{Data: rtf})
	assert.True(t, taskerr.Is(err, taskerr.CodeDocumentUnsupported), "got %v", err)
}

func TestDeclaredAndResolvedKinds(t *testing.T) {
	tests := []struct {
		declared string
		want     Kind
	}{
		{"application/pdf", KindPDF},
		{"PDF", KindPDF},
		{"docx", KindDOCX},
		{"text/plain", KindPlain},
		{"txt", KindPlain},
		{"", KindUnknown},
		{"image/png", KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, declaredKind(tt.declared), tt.declared)
	}

	assert.Equal(t, KindPDF, resolveKind(KindUnknown, TypeInfo{Kind: KindPDF}))
	assert.Equal(t, KindDOCX, resolveKind(KindDOCX, TypeInfo{Kind: KindUnknown}))
	assert.Equal(t, KindPDF, resolveKind(KindDOCX, TypeInfo{Kind: KindPDF}), "magic bytes win")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindDOCX, classify("application/zip", ".docx").Kind)
	assert.Equal(t, KindUnknown, classify("application/zip", "").Kind)
	assert.Equal(t, KindLegacyOffice, classify("application/x-ole-storage", ".doc").Kind)
	assert.Equal(t, KindPDF, classify("application/pdf", ".pdf").Kind)
	assert.Equal(t, KindPlain, classify("text/plain; charset=utf-8", ".txt").Kind)
	assert.Equal(t, KindLegacyOffice, classify("application/rtf", ".rtf").Kind)
	assert.Equal(t, KindLegacyOffice, classify("text/rtf", "").Kind, "rtf beats the text/ prefix")
	assert.Equal(t, KindLegacyOffice, classify("text/rtf; charset=windows-1252", "").Kind)
}

func TestDetectBytes(t *testing.T) {
	assert.Equal(t, KindPDF, detectBytes([]byte("%PDF-1.7\nstuff"), KindUnknown).Kind)
	assert.Equal(t, KindPlain, detectBytes([]byte("just some words"), KindUnknown).Kind)

	docx := buildDocx(t, sampleDocumentXML)
	assert.Equal(t, KindDOCX, detectBytes(docx, KindDOCX).Kind)
}

func TestSweepTemps(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, tempPrefix+"old.pdf")
	fresh := filepath.Join(dir, tempPrefix+"fresh.pdf")
	foreign := filepath.Join(dir, "keep.pdf")
	for _, p := range []string{old, fresh, foreign} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	stale := time.Now().Add(-2 * orphanAge)
	require.NoError(t, os.Chtimes(old, stale, stale))
	require.NoError(t, os.Chtimes(foreign, stale, stale))

	removed := sweepTemps(dir, orphanAge)
	assert.Equal(t, 1, removed)

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "stale owned file must be removed")
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(foreign)
	assert.NoError(t, err, "unowned files are never touched")
}
