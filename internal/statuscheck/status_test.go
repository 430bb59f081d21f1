package statuscheck_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/local/tenderpipe/internal/statuscheck"
)

func TestRuntimeReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	c := statuscheck.New(statuscheck.Options{RuntimeURL: srv.URL, TempDir: t.TempDir()})
	sum := c.Summary(context.Background())

	assert.True(t, sum.ModelRuntime.OK)
	assert.Equal(t, "Reachable", sum.ModelRuntime.Message)
}

func TestRuntimeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := statuscheck.New(statuscheck.Options{RuntimeURL: srv.URL, TempDir: t.TempDir()})
	sum := c.Summary(context.Background())

	assert.False(t, sum.ModelRuntime.OK)
	assert.Equal(t, "HTTP 500", sum.ModelRuntime.Message)
}

func TestRuntimeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := statuscheck.New(statuscheck.Options{RuntimeURL: srv.URL, TempDir: t.TempDir()})
	sum := c.Summary(context.Background())

	assert.False(t, sum.ModelRuntime.OK)
	assert.NotEmpty(t, sum.ModelRuntime.Message)
}

func TestRuntimeURLMissing(t *testing.T) {
	c := statuscheck.New(statuscheck.Options{TempDir: t.TempDir()})
	sum := c.Summary(context.Background())

	assert.False(t, sum.ModelRuntime.OK)
	assert.Equal(t, "Runtime URL not configured", sum.ModelRuntime.Message)
}

func TestOfficeConvertDisabled(t *testing.T) {
	c := statuscheck.New(statuscheck.Options{TempDir: t.TempDir()})
	sum := c.Summary(context.Background())

	assert.True(t, sum.OfficeConvert.OK)
	assert.Equal(t, "Disabled", sum.OfficeConvert.Message)
}

func TestTempDirWritable(t *testing.T) {
	c := statuscheck.New(statuscheck.Options{TempDir: t.TempDir()})
	sum := c.Summary(context.Background())

	assert.True(t, sum.TempDir.OK)
	assert.Equal(t, "Writable", sum.TempDir.Message)
}

func TestTempDirMissing(t *testing.T) {
	c := statuscheck.New(statuscheck.Options{TempDir: "/proc/definitely/not/writable"})
	sum := c.Summary(context.Background())

	assert.False(t, sum.TempDir.OK)
	assert.NotEmpty(t, sum.TempDir.Message)
}

func TestOCRReportsSomething(t *testing.T) {
	// Tesseract presence depends on the host; only the shape is stable.
	c := statuscheck.New(statuscheck.Options{TempDir: t.TempDir()})
	sum := c.Summary(context.Background())

	assert.NotEmpty(t, sum.OCR.Message)
}
