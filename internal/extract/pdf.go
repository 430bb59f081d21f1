package extract

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"unicode/utf8"

	fitz "github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/job"
	"github.com/local/tenderpipe/internal/taskerr"
)

// ocrRenderDPI is the rasterization resolution for OCR fallback.
const ocrRenderDPI = 150.0

// nearEmptyPageChars is the per-page native yield under which OCR output
// replaces the page's text in the combined result.
const nearEmptyPageChars = 10

// Doc abstracts an open PDF for text and raster access so tests can run
// without a real rendering backend.
type Doc interface {
	NumPage() int
	Text(page int) (string, error)
	ImageJPEG(page int, dpi float64) ([]byte, error)
	Close() error
}

// Opener opens a PDF path into a Doc.
type Opener interface {
	Open(path string) (Doc, error)
}

// fitzOpener is the production Opener backed by MuPDF.
type fitzOpener struct{}

func (fitzOpener) Open(path string) (Doc, error) {
	d, err := fitz.New(path)
	if err != nil {
		return nil, err
	}
	return &fitzDoc{doc: d}, nil
}

type fitzDoc struct {
	doc *fitz.Document
}

func (d *fitzDoc) NumPage() int { return d.doc.NumPage() }

func (d *fitzDoc) Text(page int) (string, error) { return d.doc.Text(page) }

// ImageJPEG renders one page to a grayscale JPEG for the OCR engine.
func (d *fitzDoc) ImageJPEG(page int, dpi float64) ([]byte, error) {
	img, err := d.doc.ImageDPI(page, dpi)
	if err != nil {
		return nil, err
	}
	gray := toGrayscale(img)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gray, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *fitzDoc) Close() error { return d.doc.Close() }

func toGrayscale(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray
}

// pdfcpuPageCount validates the file enough to count its pages. A failure
// here means the document is not a readable PDF.
func pdfcpuPageCount(path string) (int, error) {
	return api.PageCountFile(path)
}

// extractPDF runs the native-first, OCR-fallback extraction of one PDF.
func (e *Extractor) extractPDF(ctx context.Context, path string) (*job.ExtractedText, error) {
	pages, err := e.pageCount(path)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeDocumentCorrupt, "extract", err, "page count failed")
	}
	if pages == 0 {
		return nil, taskerr.New(taskerr.CodeDocumentEmpty, "extract", "pdf has no pages")
	}

	doc, err := e.opener.Open(path)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeDocumentCorrupt, "extract", err, "open failed")
	}
	defer doc.Close()

	if n := doc.NumPage(); n > 0 && n < pages {
		pages = n
	}

	native := make([]string, pages)
	printable := 0
	for i := 0; i < pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, taskerr.FromContext("extract", err)
		}
		text, terr := doc.Text(i)
		if terr != nil {
			log.Warn().Err(terr).Int("page", i).Str("file", path).Msg("page text failed")
			continue
		}
		native[i] = text
		printable += printableCount(text)
	}

	out := &job.ExtractedText{Method: job.MethodNative}

	needOCR := e.opts.OCRThreshold > 0 && printable/pages < e.opts.OCRThreshold
	ocrText := make([]string, pages)
	if needOCR && e.ocr != nil {
		for i := 0; i < pages; i++ {
			if charCount(native[i]) >= nearEmptyPageChars {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, taskerr.FromContext("extract", err)
			}
			img, rerr := doc.ImageJPEG(i, ocrRenderDPI)
			if rerr != nil {
				log.Warn().Err(rerr).Int("page", i).Msg("render for ocr failed")
				continue
			}
			text, oerr := e.ocr.Recognize(img, e.opts.OCRLanguages)
			if oerr != nil {
				log.Warn().Err(oerr).Int("page", i).Msg("ocr failed")
				continue
			}
			ocrText[i] = text
		}
	} else if needOCR {
		log.Warn().Str("file", path).Msg("low native text yield and no ocr engine")
	}

	// Pages are normalized individually and joined with one blank line so
	// the recorded offsets stay exact in the final text.
	var sb strings.Builder
	ocrUsed := false
	out.Pages = make([]job.PageStat, 0, pages)
	for i := 0; i < pages; i++ {
		pageText := native[i]
		stat := job.PageStat{Index: i}
		if ocrText[i] != "" {
			if pageText != "" {
				pageText += "\n"
			}
			pageText += ocrText[i]
			stat.OCR = true
			ocrUsed = true
		}
		normalized := normalizeText(pageText)
		stat.Chars = charCount(normalized)
		if normalized != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			stat.Offset = sb.Len()
			sb.WriteString(normalized)
		} else {
			stat.Offset = sb.Len()
		}
		out.Pages = append(out.Pages, stat)
	}
	if ocrUsed {
		out.Method = job.MethodOCR
	}
	out.Text = sb.String()
	return out, nil
}

func charCount(s string) int { return utf8.RuneCountInString(s) }
