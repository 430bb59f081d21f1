package extract

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/local/tenderpipe/internal/taskerr"
)

// extractDOCX walks word/document.xml in paragraph order. Runs of text
// inside w:t elements are collected; tabs, breaks, paragraph and table
// boundaries become whitespace. Embedded images are ignored.
func extractDOCX(r io.ReaderAt, size int64) (string, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return "", taskerr.Wrap(taskerr.CodeDocumentCorrupt, "extract", err, "not a readable docx archive")
	}

	var docXML *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML = f
			break
		}
	}
	if docXML == nil {
		return "", taskerr.New(taskerr.CodeDocumentCorrupt, "extract", "docx archive has no word/document.xml")
	}

	rc, err := docXML.Open()
	if err != nil {
		return "", taskerr.Wrap(taskerr.CodeDocumentCorrupt, "extract", err, "open word/document.xml")
	}
	defer rc.Close()

	return walkDocumentXML(rc)
}

func walkDocumentXML(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var sb strings.Builder
	inText := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", taskerr.Wrap(taskerr.CodeDocumentCorrupt, "extract", err, "malformed document xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n")
			case "tc":
				sb.WriteByte('\t')
			case "tr":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}
