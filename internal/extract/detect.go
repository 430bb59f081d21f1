package extract

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Kind routes a document to its extraction path.
type Kind string

const (
	KindPDF          Kind = "pdf"
	KindDOCX         Kind = "docx"
	KindPlain        Kind = "plain"
	KindLegacyOffice Kind = "legacy-office"
	KindUnknown      Kind = "unknown"
)

// TypeInfo is what sniffing learned about a document.
type TypeInfo struct {
	Kind        Kind
	MIMEType    string
	Description string
}

// detectPath sniffs a file on disk by magic bytes.
func detectPath(path string) (TypeInfo, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return TypeInfo{Kind: KindUnknown}, err
	}
	return classify(mtype.String(), strings.ToLower(filepath.Ext(path))), nil
}

// detectBytes sniffs an in-memory blob. The declared hint stands in for a
// filename extension when container formats need disambiguation.
func detectBytes(data []byte, declared Kind) TypeInfo {
	mtype := mimetype.Detect(data)
	ext := ""
	if declared == KindDOCX {
		ext = ".docx"
	}
	return classify(mtype.String(), ext)
}

// classify maps a sniffed MIME type onto an extraction kind. OOXML and
// legacy Office containers sniff as generic ZIP/OLE, so the extension
// breaks the tie the way the archive members would. Parameters such as
// charset are ignored when matching.
func classify(mimeType, ext string) TypeInfo {
	base := mimeType
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if base == "application/zip" || strings.Contains(base, "application/x-zip") {
		if ext == ".docx" {
			base = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
			mimeType = base
		}
	}
	if base == "application/x-ole-storage" || base == "application/x-cfb" {
		if ext == ".doc" {
			base = "application/msword"
			mimeType = base
		}
	}

	info := TypeInfo{MIMEType: mimeType}
	switch {
	case base == "application/pdf":
		info.Kind = KindPDF
		info.Description = "PDF document"
	case strings.HasPrefix(base, "application/vnd.openxmlformats-officedocument.wordprocessingml"):
		info.Kind = KindDOCX
		info.Description = "Word document"
	case base == "application/msword":
		info.Kind = KindLegacyOffice
		info.Description = "Word document (legacy)"
	case base == "application/vnd.oasis.opendocument.text":
		info.Kind = KindLegacyOffice
		info.Description = "OpenDocument text"
	// text/rtf must beat the text/ prefix below.
	case base == "application/rtf", base == "text/rtf":
		info.Kind = KindLegacyOffice
		info.Description = "Rich Text Format"
	case strings.HasPrefix(base, "text/"),
		base == "application/json",
		base == "application/xml":
		info.Kind = KindPlain
		info.Description = "Plain text"
	default:
		info.Kind = KindUnknown
		info.Description = "Unsupported: " + mimeType
	}
	return info
}

// declaredKind maps a caller-declared content type onto a Kind. Unknown
// declarations defer to sniffing.
func declaredKind(ct string) Kind {
	switch strings.ToLower(strings.TrimSpace(ct)) {
	case "pdf", "application/pdf":
		return KindPDF
	case "docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return KindDOCX
	case "plain-text", "text", "txt", "text/plain":
		return KindPlain
	}
	return KindUnknown
}

// resolveKind combines the declared content type with magic-byte sniffing.
// Magic bytes win a contradiction; sniffing resolves unknown declarations.
func resolveKind(declared Kind, sniffed TypeInfo) Kind {
	if sniffed.Kind == KindUnknown {
		return declared
	}
	if declared != KindUnknown && declared != sniffed.Kind {
		log.Debug().
			Str("declared", string(declared)).
			Str("sniffed", string(sniffed.Kind)).
			Str("mime", sniffed.MIMEType).
			Msg("declared content type contradicts magic bytes")
	}
	return sniffed.Kind
}
