// Package statuscheck probes the external dependencies the pipeline
// relies on, for the readiness endpoint.
package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Checker aggregates readiness checks for external dependencies.
type Checker struct {
	runtimeURL    string
	httpClient    *http.Client
	officeConvert bool
	tempDir       string
}

// Options configures the Checker.
type Options struct {
	RuntimeURL    string
	HTTPClient    *http.Client
	OfficeConvert bool
	TempDir       string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	ModelRuntime  Status `json:"model_runtime"`
	OCR           Status `json:"ocr"`
	OfficeConvert Status `json:"office_convert"`
	TempDir       Status `json:"temp_dir"`
}

// New creates a Checker with the provided options.
func New(opts Options) *Checker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Checker{
		runtimeURL:    strings.TrimRight(opts.RuntimeURL, "/"),
		httpClient:    client,
		officeConvert: opts.OfficeConvert,
		tempDir:       tempDir,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		ModelRuntime:  c.checkRuntime(ctx),
		OCR:           c.checkOCR(),
		OfficeConvert: c.checkOffice(),
		TempDir:       c.checkTempDir(),
	}
}

func (c *Checker) checkRuntime(ctx context.Context) Status {
	if c.runtimeURL == "" {
		return Status{OK: false, Message: "Runtime URL not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.runtimeURL+"/api/tags", nil)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Status{OK: false, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return Status{OK: true, Message: "Reachable"}
}

func (c *Checker) checkOCR() Status {
	if _, err := exec.LookPath("tesseract"); err != nil {
		return Status{OK: false, Message: "Binary not found"}
	}
	return Status{OK: true, Message: "Available"}
}

func (c *Checker) checkOffice() Status {
	if !c.officeConvert {
		return Status{OK: true, Message: "Disabled"}
	}
	for _, name := range []string{"libreoffice", "soffice"} {
		if _, err := exec.LookPath(name); err == nil {
			return Status{OK: true, Message: "Available"}
		}
	}
	return Status{OK: false, Message: "Binary not found"}
}

func (c *Checker) checkTempDir() Status {
	f, err := os.CreateTemp(c.tempDir, "statuscheck-")
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return Status{OK: true, Message: "Writable"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
