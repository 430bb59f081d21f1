package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options defines logger initialization parameters.
type Options struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Remote forwarding is enabled when a token and dataset are set.
	AxiomToken   string
	AxiomOrgID   string
	AxiomDataset string
	AxiomFlush   time.Duration
}

var (
	global zerolog.Logger
	fwd    *forwarder
)

// Init sets up the global logger: optional file rotation, console or JSON
// stdout, optional remote forwarding.
func Init(opts Options) error {
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
	}

	var writers []io.Writer

	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}

	if opts.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, os.Stdout)
	}

	if opts.AxiomToken != "" && opts.AxiomDataset != "" {
		f, err := newForwarder(opts.AxiomToken, opts.AxiomOrgID, opts.AxiomDataset, opts.AxiomFlush)
		if err != nil {
			// run without remote forwarding rather than refuse to start
			fmt.Fprintf(os.Stderr, "log forwarding disabled: %v\n", err)
		} else {
			fwd = f
			writers = append(writers, &forwardWriter{f: f})
		}
	}

	out := io.MultiWriter(writers...)

	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	global = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	log.Logger = global
	return nil
}

// Close flushes the remote forwarder, if any.
func Close() {
	if fwd != nil {
		fwd.Close()
	}
}

// Get returns the global logger.
func Get() *zerolog.Logger { return &global }

// For returns a child logger tagged with the originating component.
func For(component string) zerolog.Logger {
	return global.With().Str("component", component).Logger()
}

// forwardWriter ships zerolog JSON lines to the remote dataset, skipping
// debug noise.
type forwardWriter struct{ f *forwarder }

func (w *forwardWriter) Write(p []byte) (int, error) {
	var ev map[string]interface{}
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = map[string]interface{}{"message": string(p), "level": "info"}
	}
	if lvl, ok := ev["level"].(string); ok && lvl == "debug" {
		return len(p), nil
	}
	ev["service"] = "tenderpipe"
	if _, ok := ev[ingest.TimestampField]; !ok {
		ev[ingest.TimestampField] = time.Now()
	}
	w.f.send(axiom.Event(ev))
	return len(p), nil
}

// forwarder batches events to Axiom on a flush interval. Events are
// dropped, never blocking the caller, when the buffer is full.
type forwarder struct {
	client  *axiom.Client
	dataset string
	ch      chan axiom.Event
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	ctx     context.Context
}

func newForwarder(token, orgID, dataset string, flushEvery time.Duration) (*forwarder, error) {
	opts := []axiom.Option{axiom.SetToken(token)}
	if orgID != "" {
		opts = append(opts, axiom.SetOrganizationID(orgID))
	}
	c, err := axiom.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &forwarder{
		client:  c,
		dataset: dataset,
		ch:      make(chan axiom.Event, 1000),
		ctx:     ctx,
		cancel:  cancel,
	}
	f.wg.Add(1)
	go f.loop(flushEvery)
	return f, nil
}

func (f *forwarder) send(ev axiom.Event) {
	select {
	case f.ch <- ev:
	default:
	}
}

func (f *forwarder) loop(flushEvery time.Duration) {
	defer f.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	batch := make([]axiom.Event, 0, 200)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_, _ = f.client.IngestEvents(ctx, f.dataset, batch)
		cancel()
		batch = batch[:0]
	}
	for {
		select {
		case <-f.ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case ev := <-f.ch:
			batch = append(batch, ev)
			if len(batch) >= 200 {
				flush()
			}
		}
	}
}

func (f *forwarder) Close() {
	f.cancel()
	f.wg.Wait()
}
