package extract

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/taskerr"
)

const (
	convertTimeout     = 90 * time.Second
	maxConcurrentConvs = 2
)

// Converter turns legacy office documents (doc, odt, rtf) into PDF via
// headless LibreOffice so they can flow through the normal PDF path.
// Each conversion gets its own user profile directory; LibreOffice
// serializes conversions sharing a profile, which would defeat the pool.
type Converter struct {
	binary    string
	semaphore chan struct{}
}

// NewConverter locates the LibreOffice binary. Returns nil when it is not
// installed, which disables the legacy office path.
func NewConverter() *Converter {
	for _, name := range []string{"libreoffice", "soffice"} {
		if path, err := exec.LookPath(name); err == nil {
			log.Info().Str("binary", path).Msg("office converter available")
			return &Converter{
				binary:    path,
				semaphore: make(chan struct{}, maxConcurrentConvs),
			}
		}
	}
	return nil
}

// ToPDF converts the document at inputPath into a PDF inside outDir and
// returns the produced path. The caller owns cleanup of outDir.
func (c *Converter) ToPDF(ctx context.Context, inputPath, outDir string) (string, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return "", taskerr.FromContext("extract", ctx.Err())
	}

	profileDir := filepath.Join(os.TempDir(), "tenderpipe-lo-"+uuid.NewString())
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return "", taskerr.Wrap(taskerr.CodeInternal, "extract", err, "create converter profile dir")
	}
	defer os.RemoveAll(profileDir)

	cctx, cancel := context.WithTimeout(ctx, convertTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(cctx, c.binary,
		fmt.Sprintf("-env:UserInstallation=file://%s", profileDir),
		"--headless",
		"--convert-to", "pdf",
		"--outdir", outDir,
		inputPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return "", taskerr.FromContext("extract", cerr)
		}
		log.Warn().Err(err).Str("output", strings.TrimSpace(string(output))).Str("file", inputPath).Msg("office conversion failed")
		return "", taskerr.Wrap(taskerr.CodeDocumentCorrupt, "extract", err, "office conversion failed")
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	produced := filepath.Join(outDir, base+".pdf")
	if _, err := os.Stat(produced); err != nil {
		return "", taskerr.Wrap(taskerr.CodeDocumentCorrupt, "extract", err, "converted pdf not produced")
	}

	log.Debug().Str("file", inputPath).Dur("duration", time.Since(start)).Msg("office conversion done")
	return produced, nil
}
