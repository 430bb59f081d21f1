package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/config"
	"github.com/local/tenderpipe/internal/job"
	"github.com/local/tenderpipe/internal/logger"
	"github.com/local/tenderpipe/internal/metrics"
	"github.com/local/tenderpipe/internal/pipeline"
	"github.com/local/tenderpipe/internal/statuscheck"
	"github.com/local/tenderpipe/internal/web"
)

func main() {
	input := flag.String("input", "", "process a single document and exit")
	task := flag.String("task", string(job.TaskExtractText), "task kind for -input mode")
	wait := flag.Duration("wait", 5*time.Minute, "how long to wait for the one-shot job")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	_ = logger.Init(logger.Options{
		Level:        cfg.Log.Level,
		Pretty:       cfg.Log.Pretty,
		File:         cfg.Log.File,
		MaxSizeMB:    cfg.Log.MaxSizeMB,
		MaxBackups:   cfg.Log.MaxBackups,
		MaxAgeDays:   cfg.Log.MaxAgeDays,
		AxiomToken:   cfg.Log.AxiomToken,
		AxiomOrgID:   cfg.Log.AxiomOrgID,
		AxiomDataset: cfg.Log.AxiomDataset,
	})
	defer logger.Close()

	metrics.Init()

	pl, err := pipeline.New(&cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}
	if err := pl.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start pipeline")
	}

	if *input != "" {
		os.Exit(runOnce(pl, &cfg, *input, job.TaskKind(*task), *wait))
	}

	checker := statuscheck.New(statuscheck.Options{
		RuntimeURL:    cfg.Model.RuntimeURL,
		OfficeConvert: cfg.Extract.EnableOfficeConvert,
		TempDir:       cfg.Extract.TempDir,
	})

	mux := http.NewServeMux()
	web.New(pl, checker).RegisterRoutes(mux)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		log.Info().Msgf("ops server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownGrace+5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if err := pl.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("pipeline shutdown")
	}
}

// runOnce pushes a single document through the pipeline and prints the
// outcome as JSON. Exit code 0 only when the job succeeded.
func runOnce(pl *pipeline.Pipeline, cfg *config.Config, input string, kind job.TaskKind, wait time.Duration) int {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownGrace)
		defer cancel()
		_ = pl.Close(ctx)
	}()

	abs, err := filepath.Abs(input)
	if err != nil {
		log.Error().Err(err).Str("input", input).Msg("cannot resolve input path")
		return 1
	}
	handle, err := pl.Submit(context.Background(), job.JobSpec{
		Task:  kind,
		Input: job.InputRef{Path: abs},
	})
	if err != nil {
		log.Error().Err(err).Str("input", abs).Msg("submit failed")
		return 1
	}
	out, err := pl.Await(context.Background(), handle, wait)
	if err != nil {
		log.Error().Err(err).Str("job_id", handle).Msg("await failed")
		return 1
	}
	if !out.Status.Terminal() {
		log.Error().Str("job_id", handle).Dur("wait", wait).Msg("job still running after wait")
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	if out.Status != job.StatusSucceeded {
		return 1
	}
	return 0
}
