// Package syncer keeps a host workspace directory and an emulated FAT disk
// consistent in both directions. The emulator side of the boundary is a
// Source that can hand over the live image and accept a replacement; the
// host side is a flat directory watched through size/mtime snapshots.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dossync/internal/fat"
	"dossync/internal/workspace"
)

// Source is the emulator hand-off boundary: fetch the live disk image, or
// replace it wholesale after a host-side rebuild.
type Source interface {
	FetchImage(ctx context.Context) ([]byte, error)
	ReplaceImage(ctx context.Context, img []byte) error
}

// Config parameterizes a Session.
type Config struct {
	WorkspaceDir string
	Source       Source
	ImageSizeMB  int // size of rebuilt images, clamped to the supported range

	PushInterval time.Duration // emulator → host fingerprint cadence
	PollInterval time.Duration // host-edit detection cadence
	Debounce     time.Duration // quiet period after NotifyCommand
}

func (c *Config) applyDefaults() {
	if c.PushInterval <= 0 {
		c.PushInterval = 3 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 750 * time.Millisecond
	}
	c.ImageSizeMB = fat.ClampImageMB(c.ImageSizeMB)
}

// EventKind classifies session events.
type EventKind int

const (
	EventUnchanged EventKind = iota
	EventPushed
	EventPulled
	EventExternalChange
	EventError
)

// Event is one observation from a sync cycle, for status displays.
type Event struct {
	Kind    EventKind
	Changed []string
	Deleted []string
	Err     error
	Time    time.Time
}

// Session runs the two sync directions on independent timers. Each direction
// skips its tick while the other (or a previous tick of its own) is still in
// flight; a single in-progress guard is the only mutual exclusion needed.
type Session struct {
	cfg Config

	mu          sync.Mutex
	syncing     bool
	lastFP      uint32
	havePushed  bool
	baseline    workspace.Snapshot
	lastSync    time.Time
	status      string

	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	debounceMu sync.Mutex
	debounce   *time.Timer
}

// New prepares a session; Start launches its timers.
func New(cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("syncer: nil source")
	}
	if cfg.WorkspaceDir == "" {
		return nil, fmt.Errorf("syncer: empty workspace dir")
	}
	cfg.applyDefaults()
	baseline, err := workspace.TakeSnapshot(cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("syncer: initial snapshot: %w", err)
	}
	return &Session{
		cfg:      cfg,
		baseline: baseline,
		status:   "idle",
		events:   make(chan Event, 64),
		stop:     make(chan struct{}),
	}, nil
}

// Events feeds the session's observations to a UI. Slow consumers lose
// events rather than stalling the sync loops.
func (s *Session) Events() <-chan Event { return s.events }

// Status returns the latest human-readable state and last sync time.
func (s *Session) Status() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.lastSync
}

// Start launches the push and poll timers.
func (s *Session) Start() {
	s.wg.Add(2)
	go s.loop(s.cfg.PushInterval, func(ctx context.Context) { s.pushTick(ctx) })
	go s.loop(s.cfg.PollInterval, func(ctx context.Context) { s.pollTick(ctx) })
}

// Stop halts the timers. An in-flight push or pull finishes on its own.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// NotifyCommand schedules a near-term push after a short quiet period, so a
// burst of guest commands coalesces into one sync instead of firing per key.
func (s *Session) NotifyCommand() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.cfg.Debounce, func() {
		select {
		case <-s.stop:
			return
		default:
		}
		s.pushTick(context.Background())
	})
}

func (s *Session) loop(interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			tick(context.Background())
		}
	}
}

// tryBegin claims the single sync-in-progress guard.
func (s *Session) tryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		return false
	}
	s.syncing = true
	return true
}

func (s *Session) end(status string) {
	s.mu.Lock()
	s.syncing = false
	s.status = status
	s.mu.Unlock()
}

func (s *Session) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Session) pushTick(ctx context.Context) {
	if !s.tryBegin() {
		return
	}
	changed, deleted, err := s.pushLocked(ctx)
	switch {
	case err != nil:
		// Transient by design: report, keep the timers running.
		log.WithError(err).Warn("push failed, will retry")
		s.end("push failed: " + err.Error())
		s.emit(Event{Kind: EventError, Err: err})
	case changed == nil && deleted == nil:
		s.end("idle")
	case len(changed) == 0 && len(deleted) == 0:
		s.end("idle")
		s.emit(Event{Kind: EventUnchanged})
	default:
		s.end("idle")
		s.emit(Event{Kind: EventPushed, Changed: changed, Deleted: deleted})
	}
}

// pushLocked runs one emulator→host cycle under the guard. A (nil, nil, nil)
// return means the fingerprint short-circuit fired and nothing was compared.
func (s *Session) pushLocked(ctx context.Context) (changed, deleted []string, err error) {
	img, err := s.cfg.Source.FetchImage(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch image: %w", err)
	}
	g, err := fat.Resolve(img)
	if err != nil {
		// Unformatted disk: the operation is unavailable, not broken.
		return nil, nil, nil
	}
	fp := fat.Fingerprint(img, g)

	s.mu.Lock()
	skip := s.havePushed && fp == s.lastFP
	s.mu.Unlock()
	if skip {
		return nil, nil, nil
	}

	changed, deleted, err = ApplyImage(s.cfg.WorkspaceDir, img)
	if err != nil {
		return nil, nil, err
	}

	baseline, err := workspace.TakeSnapshot(s.cfg.WorkspaceDir)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	s.lastFP = fp
	s.havePushed = true
	s.baseline = baseline
	s.lastSync = time.Now()
	s.mu.Unlock()
	if changed == nil {
		changed = []string{}
	}
	if deleted == nil {
		deleted = []string{}
	}
	return changed, deleted, nil
}

// ApplyImage extracts an image into the workspace directory, rewriting only
// files whose bytes actually differ and deleting host files the image no
// longer carries. Both sync surfaces (the in-process session and the HTTP
// push endpoint) funnel through here.
func ApplyImage(dir string, img []byte) (changed, deleted []string, err error) {
	files, err := fat.ExtractFiles(img)
	if err != nil {
		return nil, nil, err
	}
	keep := make(map[string]bool, len(files))
	for _, f := range files {
		name := workspace.SanitizeName(f.Name)
		if name == "" {
			continue
		}
		keep[name] = true
		wrote, err := workspace.WriteIfChanged(dir, name, f.Content)
		if err != nil {
			return nil, nil, err
		}
		if wrote {
			changed = append(changed, name)
		}
	}
	deleted, err = workspace.RemoveStale(dir, keep)
	if err != nil {
		return nil, nil, err
	}
	return changed, deleted, nil
}

func (s *Session) pollTick(ctx context.Context) {
	if !s.tryBegin() {
		return
	}
	ch, pulled, err := s.pollLocked(ctx)
	switch {
	case err != nil:
		log.WithError(err).Warn("pull failed, will retry")
		s.end("pull failed: " + err.Error())
		s.emit(Event{Kind: EventError, Err: err})
	case !pulled:
		s.end("idle")
	default:
		s.end("idle")
		s.emit(Event{Kind: EventExternalChange, Changed: ch.Names()})
		s.emit(Event{Kind: EventPulled})
	}
}

// pollLocked runs one host→emulator cycle under the guard. The baseline is
// advanced before the rebuild so the change just applied is not re-reported.
func (s *Session) pollLocked(ctx context.Context) (workspace.Changes, bool, error) {
	snap, err := workspace.TakeSnapshot(s.cfg.WorkspaceDir)
	if err != nil {
		return workspace.Changes{}, false, err
	}
	s.mu.Lock()
	ch := snap.Diff(s.baseline)
	if ch.Empty() {
		s.mu.Unlock()
		return workspace.Changes{}, false, nil
	}
	s.baseline = snap
	s.mu.Unlock()

	img, err := fat.BuildFromDirectory(s.cfg.WorkspaceDir, s.cfg.ImageSizeMB)
	if err != nil {
		return ch, false, fmt.Errorf("rebuild image: %w", err)
	}
	if err := s.cfg.Source.ReplaceImage(ctx, img); err != nil {
		return ch, false, fmt.Errorf("replace image: %w", err)
	}
	s.mu.Lock()
	s.lastSync = time.Now()
	s.mu.Unlock()
	return ch, true, nil
}

// PushNow runs one push cycle immediately, for tests and one-shot callers.
func (s *Session) PushNow(ctx context.Context) (changed, deleted []string, err error) {
	if !s.tryBegin() {
		return nil, nil, fmt.Errorf("sync already in progress")
	}
	defer s.end("idle")
	return s.pushLocked(ctx)
}

// PollNow runs one poll cycle immediately.
func (s *Session) PollNow(ctx context.Context) (workspace.Changes, bool, error) {
	if !s.tryBegin() {
		return workspace.Changes{}, false, fmt.Errorf("sync already in progress")
	}
	defer s.end("idle")
	return s.pollLocked(ctx)
}
