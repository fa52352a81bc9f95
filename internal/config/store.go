package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ErrNoConfigFile is returned by Save when no ConfigFilePath was configured.
var ErrNoConfigFile = errors.New("config: no backing file configured")

// debounceDelay matches the teacher's selectors.Manager file-watch debounce:
// rapid successive writes (editors that write-then-rename) collapse into a
// single reload.
const debounceDelay = 100 * time.Millisecond

// StoredConfig is the persisted JSON shape: server/browser/streaming/
// security/features/storage keyed sections (spec.md §6 "Persisted state").
type StoredConfig struct {
	Server    StoredServer    `json:"server"`
	Browser   StoredBrowser   `json:"browser"`
	Streaming StoredStreaming `json:"streaming"`
	Security  StoredSecurity  `json:"security"`
	Features  StoredFeatures  `json:"features"`
	Storage   StoredStorage   `json:"storage"`
}

type StoredServer struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	CORSOrigin string `json:"corsOrigin"`
}

type StoredBrowser struct {
	DefaultURL     string `json:"defaultUrl"`
	MaxBrowsers    int    `json:"maxBrowsers"`
	BrowserTimeoutMs int64 `json:"browserTimeoutMs"`
}

type StoredStreaming struct {
	ScreenshotQuality int    `json:"screenshotQuality"`
	ScreenshotType    string `json:"screenshotType"`
	DefaultFPS        int    `json:"defaultFps"`
	MinFPS            int    `json:"minFps"`
	MaxFPS            int    `json:"maxFps"`
	KeyframeInterval  int    `json:"keyframeInterval"`
}

type StoredSecurity struct {
	RateLimitEnabled bool `json:"rateLimitEnabled"`
	RateLimitRPM     int  `json:"rateLimitRpm"`
	APIKeyEnabled    bool `json:"apiKeyEnabled"`
}

type StoredFeatures struct {
	AdaptiveQuality bool `json:"adaptiveQuality"`
}

type StoredStorage struct {
	SessionTimeoutMs int64 `json:"sessionTimeoutMs"`
}

// ReloadStats counts how many times the store has (re)loaded and the last
// error seen, mirroring the teacher's selectors.Manager ReloadStats.
type ReloadStats struct {
	Reloads   int64
	LastError string
	LastLoad  time.Time
}

// Store holds the current StoredConfig behind an atomic.Value for lock-free
// reads and watches its backing file for hot-reload, adapted from the
// teacher's internal/selectors.Manager (startWatcher/watchFile debounce).
type Store struct {
	path    string
	current atomic.Value // StoredConfig

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	stats ReloadStats
}

// NewStore loads path (if non-empty and it exists) into a Store and, when
// hotReload is true, starts a background fsnotify watcher that reloads on
// write. If path is empty the store just holds defaults and Reload/Save
// become no-ops returning ErrNoConfigFile.
func NewStore(path string, defaults StoredConfig, hotReload bool) (*Store, error) {
	s := &Store{path: path, stopCh: make(chan struct{})}
	s.current.Store(defaults)

	if path == "" {
		return s, nil
	}

	if err := s.Reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		log.Warn().Str("path", path).Msg("config file does not exist yet, using defaults until written")
	}

	if hotReload {
		if err := s.startWatcher(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get returns the current StoredConfig. Lock-free.
func (s *Store) Get() StoredConfig {
	return s.current.Load().(StoredConfig)
}

// Reload re-reads the backing file and swaps it in atomically.
func (s *Store) Reload() error {
	if s.path == "" {
		return ErrNoConfigFile
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.recordReload(err)
		return err
	}

	var cfg StoredConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.recordReload(err)
		return err
	}

	s.current.Store(cfg)
	s.recordReload(nil)
	log.Info().Str("path", s.path).Msg("config store reloaded")
	return nil
}

// Save writes cfg to the backing path via a temp-file-plus-rename so a crash
// mid-write never leaves a truncated config file, then swaps it in.
func (s *Store) Save(cfg StoredConfig) error {
	if s.path == "" {
		return ErrNoConfigFile
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}

	s.current.Store(cfg)
	log.Info().Str("path", s.path).Msg("config store saved")
	return nil
}

// Stats returns a snapshot of reload counters.
func (s *Store) Stats() ReloadStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close stops the background watcher, if any.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.stopCh)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *Store) recordReload(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Reloads++
	s.stats.LastLoad = time.Now()
	if err != nil {
		s.stats.LastError = err.Error()
	} else {
		s.stats.LastError = ""
	}
}

func (s *Store) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watchFile()
	return nil
}

// watchFile mirrors the teacher's selectors.Manager debounce loop: rapid
// Write/Create events on the watched directory reset a single pending
// timer instead of triggering a reload per event.
func (s *Store) watchFile() {
	defer s.wg.Done()

	var debounceTimer *time.Timer
	target := filepath.Clean(s.path)

	for {
		select {
		case <-s.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := s.Reload(); err != nil {
					log.Warn().Err(err).Str("path", s.path).Msg("config hot-reload failed")
				}
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config file watcher error")
		}
	}
}
