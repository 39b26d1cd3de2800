package application

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/input"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// ErrRateLimited is returned when the sync API rate limit is exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// syncCooldown is the minimum time between triggered syncs.
const syncCooldown = 30 * time.Second

// SyncResult contains the result of a sync operation.
type SyncResult struct {
	Objects         int       `json:"objects"`
	Downloaded      int       `json:"downloaded"`
	Removed         int       `json:"removed"`
	Harvested       int       `json:"harvested"`
	Skipped         int       `json:"skipped"`
	SyncedAt        time.Time `json:"synced_at"`
	NextScheduledAt time.Time `json:"next_scheduled_at,omitempty"`
}

// SourceSync mirrors a granule source into the mosaic root and harvests
// what changed.
type SourceSync struct {
	storage   output.ObjectStorage
	harvester input.HarvestService
	formats   output.FormatRegistry
	root      string
	coverage  string
	interval  time.Duration
	logger    *slog.Logger

	// Objects as of the last sync, keyed by object key.
	known map[string]output.StorageObject

	// Lifecycle management
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Rate limiting for API triggers
	lastAPISync time.Time
	apiMutex    sync.Mutex

	// Prevents concurrent sync operations
	syncOpMutex sync.Mutex

	// Track next scheduled sync for reporting
	nextSync time.Time
	syncMu   sync.RWMutex
}

// NewSourceSync creates a sync service downloading into root. Harvested
// files go to coverage, or the default coverage when empty.
func NewSourceSync(
	storage output.ObjectStorage,
	harvester input.HarvestService,
	formats output.FormatRegistry,
	root, coverage string,
	interval time.Duration,
	logger *slog.Logger,
) *SourceSync {
	return &SourceSync{
		storage:   storage,
		harvester: harvester,
		formats:   formats,
		root:      root,
		coverage:  coverage,
		interval:  interval,
		logger:    logger,
		known:     make(map[string]output.StorageObject),
		stopCh:    make(chan struct{}),
		// Initialize to past time to allow immediate first API call
		lastAPISync: time.Now().Add(-syncCooldown - time.Second),
	}
}

// Start begins the periodic sync scheduler.
func (s *SourceSync) Start(ctx context.Context) {
	s.logger.Info("starting source sync", "interval", s.interval)

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *SourceSync) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.setNextSync(time.Now().Add(s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("source sync stopped: context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("source sync stopped")
			return
		case <-ticker.C:
			s.logger.Debug("scheduled sync triggered")
			if _, err := s.Sync(ctx); err != nil {
				s.logger.Error("sync failed", "error", err)
			}
			s.setNextSync(time.Now().Add(s.interval))
		}
	}
}

// Stop stops the scheduler and waits for a running sync.
func (s *SourceSync) Stop() {
	s.logger.Info("stopping source sync")
	close(s.stopCh)
	s.wg.Wait()
}

// TriggerSync runs a sync now. It returns ErrRateLimited when called again
// within the cooldown.
func (s *SourceSync) TriggerSync(ctx context.Context) (SyncResult, error) {
	s.apiMutex.Lock()
	defer s.apiMutex.Unlock()

	if time.Since(s.lastAPISync) < syncCooldown {
		return SyncResult{}, ErrRateLimited
	}
	s.lastAPISync = time.Now()

	return s.Sync(ctx)
}

// Sync downloads new and changed objects, harvests them and removes the
// granules of objects gone from the source.
func (s *SourceSync) Sync(ctx context.Context) (SyncResult, error) {
	s.syncOpMutex.Lock()
	defer s.syncOpMutex.Unlock()

	objects, err := s.storage.List(ctx)
	if err != nil {
		return SyncResult{}, &domain.StorageError{Operation: "list", Err: err}
	}

	result := SyncResult{Objects: len(objects)}
	current := make(map[string]output.StorageObject, len(objects))
	for _, obj := range objects {
		current[obj.Key] = obj
	}

	changed := s.changed(objects)
	stems := make(map[string]bool)
	for _, obj := range changed {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		dest := s.localPath(obj.Key)
		if err := s.storage.Download(ctx, obj.Key, dest); err != nil {
			s.logger.Warn("download failed", "key", obj.Key, "error", err)
			// Retried next time; a stale copy keeps its granules.
			if prev, ok := s.known[obj.Key]; ok {
				current[obj.Key] = prev
			} else {
				delete(current, obj.Key)
			}
			continue
		}
		result.Downloaded++
		stems[stem(obj.Key)] = true
	}

	// Harvest every granule whose file or sidecar changed.
	for _, obj := range objects {
		if s.formats.IsSidecar(obj.Key) || !stems[stem(obj.Key)] {
			continue
		}
		if _, ok := current[obj.Key]; !ok {
			continue
		}
		outcomes, err := s.harvester.Harvest(ctx, s.localPath(obj.Key), s.coverage)
		if err != nil {
			return result, err
		}
		for _, o := range outcomes {
			if o.Status == domain.HarvestIngested {
				result.Harvested++
			} else {
				result.Skipped++
			}
		}
	}

	for key := range s.known {
		if _, ok := current[key]; ok {
			continue
		}
		dest := s.localPath(key)
		if !s.formats.IsSidecar(key) {
			if _, err := s.harvester.RemoveLocation(ctx, dest); err != nil {
				return result, err
			}
		}
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove local copy", "path", dest, "error", err)
		}
		result.Removed++
	}

	s.known = current
	result.SyncedAt = time.Now()
	result.NextScheduledAt = s.getNextSync()

	s.logger.Info("sync completed",
		"objects", result.Objects,
		"downloaded", result.Downloaded,
		"harvested", result.Harvested,
		"skipped", result.Skipped,
		"removed", result.Removed,
	)
	return result, nil
}

// changed returns the objects that are new or differ from the last sync,
// sidecars first so granules are complete when harvested.
func (s *SourceSync) changed(objects []output.StorageObject) []output.StorageObject {
	var out []output.StorageObject
	for _, obj := range objects {
		prev, seen := s.known[obj.Key]
		switch {
		case seen && prev.ETag == obj.ETag && prev.LastModified == obj.LastModified && prev.Size == obj.Size:
			continue
		case !seen && s.upToDate(obj):
			continue
		}
		out = append(out, obj)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := s.formats.IsSidecar(out[i].Key), s.formats.IsSidecar(out[j].Key)
		if si != sj {
			return si
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// upToDate reports whether a local copy from a previous process matches obj.
func (s *SourceSync) upToDate(obj output.StorageObject) bool {
	info, err := os.Stat(s.localPath(obj.Key))
	if err != nil || info.IsDir() {
		return false
	}
	return info.Size() == obj.Size && info.ModTime().Unix() >= obj.LastModified
}

func (s *SourceSync) localPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(path.Clean("/" + key)))
}

// stem strips the extension; granule descriptors lose ".granule.yaml".
func stem(key string) string {
	key = strings.TrimSuffix(key, path.Ext(key))
	return strings.TrimSuffix(key, ".granule")
}

func (s *SourceSync) setNextSync(t time.Time) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.nextSync = t
}

func (s *SourceSync) getNextSync() time.Time {
	s.syncMu.RLock()
	defer s.syncMu.RUnlock()
	return s.nextSync
}

// Interval returns the sync interval.
func (s *SourceSync) Interval() time.Duration {
	return s.interval
}
