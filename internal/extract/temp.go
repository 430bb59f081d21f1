package extract

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/taskerr"
)

// tempPrefix marks files this package owns inside the temp directory, so
// the sweeper never touches anything else.
const tempPrefix = "tenderpipe-"

// orphanAge is how old an owned temp file must be before the sweeper
// treats it as leaked by a crashed run and deletes it.
const orphanAge = time.Hour

// spill writes an inline blob to the temp directory so the path-based
// extractors can open it. The returned cleanup removes the file.
func spill(dir string, data []byte, ext string) (string, func(), error) {
	f, err := os.CreateTemp(dir, tempPrefix+"*"+ext)
	if err != nil {
		return "", nil, taskerr.Wrap(taskerr.CodeInternal, "extract", err, "create temp file")
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", nil, taskerr.Wrap(taskerr.CodeInternal, "extract", err, "write temp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", nil, taskerr.Wrap(taskerr.CodeInternal, "extract", err, "close temp file")
	}
	return name, func() { os.Remove(name) }, nil
}

// sweepTemps removes owned temp files older than maxAge. Files from the
// current run are younger than that and survive.
func sweepTemps(dir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	now := time.Now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) >= maxAge {
			if os.Remove(filepath.Join(dir, entry.Name())) == nil {
				removed++
			}
		}
	}
	return removed
}

// tempSweeper periodically clears orphaned temp files.
type tempSweeper struct {
	dir      string
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newTempSweeper(dir string) *tempSweeper {
	return &tempSweeper{dir: dir, stop: make(chan struct{})}
}

func (s *tempSweeper) Start(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := sweepTemps(s.dir, orphanAge); n > 0 {
					log.Debug().Int("removed", n).Str("dir", s.dir).Msg("temp sweep")
				}
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *tempSweeper) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}
