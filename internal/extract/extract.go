// Package extract turns tender documents (PDF, DOCX, plain text) into
// normalized UTF-8 text with per-page statistics, using native extraction
// first and OCR only when the native yield is too low to trust.
package extract

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/job"
	"github.com/local/tenderpipe/internal/metrics"
	"github.com/local/tenderpipe/internal/taskerr"
)

const tempSweepInterval = 15 * time.Minute

// Options configures the extractor.
type Options struct {
	// MaxDocumentBytes rejects larger inputs before any parsing. Zero
	// disables the gate.
	MaxDocumentBytes int64
	// OCRThreshold is the average printable characters per page below
	// which the OCR fallback engages. Zero disables OCR.
	OCRThreshold int
	// OCRLanguages is the tesseract language string, e.g. "por+eng".
	OCRLanguages string
	// TempDir receives spilled blobs and conversion output. Defaults to
	// the system temp directory.
	TempDir string
	// EnableOfficeConvert turns on LibreOffice conversion of legacy
	// office formats.
	EnableOfficeConvert bool
}

// Extractor extracts text from documents. Safe for concurrent use.
type Extractor struct {
	opts      Options
	opener    Opener
	ocr       OCREngine
	conv      *Converter
	pageCount func(string) (int, error)
	sweeper   *tempSweeper
}

// New wires the production extraction backends. OCR and office conversion
// degrade to disabled when their system binaries are missing.
func New(opts Options) *Extractor {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	e := &Extractor{
		opts:      opts,
		opener:    fitzOpener{},
		pageCount: pdfcpuPageCount,
		sweeper:   newTempSweeper(opts.TempDir),
	}
	if OCRAvailable() {
		e.ocr = gosseractEngine{}
	} else {
		log.Warn().Msg("tesseract not installed, ocr fallback disabled")
	}
	if opts.EnableOfficeConvert {
		if e.conv = NewConverter(); e.conv == nil {
			log.Warn().Msg("libreoffice not installed, legacy office conversion disabled")
		}
	}
	return e
}

// Start launches the background sweep of orphaned temp files.
func (e *Extractor) Start() { e.sweeper.Start(tempSweepInterval) }

// Close stops the sweeper. Blocks until it exits.
func (e *Extractor) Close() { e.sweeper.Close() }

// Extract resolves the document type and runs the matching extraction
// path. The size gate runs before any byte of the document is parsed.
func (e *Extractor) Extract(ctx context.Context, in job.InputRef) (*job.ExtractedText, error) {
	if err := ctx.Err(); err != nil {
		return nil, taskerr.FromContext("extract", err)
	}

	declared := declaredKind(in.ContentType)
	var info TypeInfo
	if in.Inline() {
		if e.opts.MaxDocumentBytes > 0 && int64(len(in.Data)) > e.opts.MaxDocumentBytes {
			return nil, taskerr.Newf(taskerr.CodeDocumentTooLarge, "extract",
				"document is %d bytes, limit is %d", len(in.Data), e.opts.MaxDocumentBytes)
		}
		if len(in.Data) == 0 {
			return nil, taskerr.New(taskerr.CodeDocumentEmpty, "extract", "input blob is empty")
		}
		info = detectBytes(in.Data, declared)
	} else {
		fi, err := os.Stat(in.Path)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.CodeDocumentCorrupt, "extract", err, "input not readable")
		}
		if e.opts.MaxDocumentBytes > 0 && fi.Size() > e.opts.MaxDocumentBytes {
			return nil, taskerr.Newf(taskerr.CodeDocumentTooLarge, "extract",
				"document is %d bytes, limit is %d", fi.Size(), e.opts.MaxDocumentBytes)
		}
		if fi.Size() == 0 {
			return nil, taskerr.New(taskerr.CodeDocumentEmpty, "extract", "input file is empty")
		}
		info, err = detectPath(in.Path)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.CodeDocumentCorrupt, "extract", err, "type sniffing failed")
		}
	}

	kind := resolveKind(declared, info)
	log.Debug().Str("kind", string(kind)).Str("mime", info.MIMEType).Bool("inline", in.Inline()).Msg("extracting")

	out, err := e.dispatch(ctx, in, kind, info)
	if err != nil {
		return nil, err
	}
	return e.finalize(out)
}

func (e *Extractor) dispatch(ctx context.Context, in job.InputRef, kind Kind, info TypeInfo) (*job.ExtractedText, error) {
	switch kind {
	case KindPDF:
		path := in.Path
		if in.Inline() {
			spilled, cleanup, err := spill(e.opts.TempDir, in.Data, ".pdf")
			if err != nil {
				return nil, err
			}
			defer cleanup()
			path = spilled
		}
		return e.extractPDF(ctx, path)

	case KindDOCX:
		if in.Inline() {
			raw, err := extractDOCX(bytes.NewReader(in.Data), int64(len(in.Data)))
			if err != nil {
				return nil, err
			}
			return singlePage(raw), nil
		}
		f, err := os.Open(in.Path)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.CodeDocumentCorrupt, "extract", err, "open failed")
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			return nil, taskerr.Wrap(taskerr.CodeDocumentCorrupt, "extract", err, "stat failed")
		}
		raw, err := extractDOCX(f, fi.Size())
		if err != nil {
			return nil, err
		}
		return singlePage(raw), nil

	case KindPlain:
		data := in.Data
		if !in.Inline() {
			var err error
			data, err = os.ReadFile(in.Path)
			if err != nil {
				return nil, taskerr.Wrap(taskerr.CodeDocumentCorrupt, "extract", err, "read failed")
			}
		}
		return singlePage(decodeUTF8(data)), nil

	case KindLegacyOffice:
		return e.extractLegacyOffice(ctx, in, info)

	default:
		return nil, taskerr.Newf(taskerr.CodeDocumentUnsupported, "extract",
			"unsupported document type %q", info.MIMEType)
	}
}

// extractLegacyOffice converts doc/odt/rtf to PDF and reruns the PDF path
// on the result.
func (e *Extractor) extractLegacyOffice(ctx context.Context, in job.InputRef, info TypeInfo) (*job.ExtractedText, error) {
	if e.conv == nil {
		return nil, taskerr.Newf(taskerr.CodeDocumentUnsupported, "extract",
			"legacy office format %q requires the office converter", info.MIMEType)
	}

	src := in.Path
	if in.Inline() {
		spilled, cleanup, err := spill(e.opts.TempDir, in.Data, spillExt(info))
		if err != nil {
			return nil, err
		}
		defer cleanup()
		src = spilled
	}

	outDir, err := os.MkdirTemp(e.opts.TempDir, tempPrefix+"conv-")
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeInternal, "extract", err, "create conversion dir")
	}
	defer os.RemoveAll(outDir)

	produced, err := e.conv.ToPDF(ctx, src, outDir)
	if err != nil {
		return nil, err
	}
	return e.extractPDF(ctx, produced)
}

func spillExt(info TypeInfo) string {
	switch info.MIMEType {
	case "application/msword":
		return ".doc"
	case "application/vnd.oasis.opendocument.text":
		return ".odt"
	case "application/rtf", "text/rtf":
		return ".rtf"
	}
	return ".bin"
}

// singlePage wraps formats without page boundaries as one page covering
// the whole text.
func singlePage(raw string) *job.ExtractedText {
	text := normalizeText(raw)
	return &job.ExtractedText{
		Text:   text,
		Method: job.MethodNative,
		Pages:  []job.PageStat{{Index: 0, Offset: 0, Chars: charCount(text)}},
	}
}

// finalize fills the derived fields and rejects documents that yielded no
// usable text.
func (e *Extractor) finalize(out *job.ExtractedText) (*job.ExtractedText, error) {
	if printableCount(out.Text) == 0 {
		return nil, taskerr.New(taskerr.CodeDocumentEmpty, "extract", "document yielded no text")
	}
	out.Quality = qualityScore(out.Text)
	out.ByteLen = len(out.Text)
	out.TokenEstimate = estimateTokens(out.Text)
	out.Language = detectLanguage(out.Text)
	metrics.IncExtractPages(string(out.Method), len(out.Pages))
	return out, nil
}
