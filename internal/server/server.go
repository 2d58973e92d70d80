// Package server exposes the disk engine and the sync protocol over HTTP:
// workspace file management, image build/import/export and the three sync
// endpoints (push, poll, pull) the emulator side talks to.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dossync/internal/fat"
	"dossync/internal/syncer"
	"dossync/internal/workspace"
)

// Server holds the sync-relevant state between requests: the live image,
// the last pushed fingerprint and the host snapshot baseline. A single write
// guard serializes every operation that touches the workspace or the image,
// mirroring the one in-progress rule of the sync design.
type Server struct {
	cfg Config
	log *log.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	liveImg    []byte
	lastFP     uint32
	havePushed bool
	baseline   workspace.Snapshot
	lastSync   time.Time
	lastErr    string
}

// New builds a server, creating the workspace directory if needed.
func New(cfg Config, logger *log.Logger) (*Server, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.StandardLogger()
	}
	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		return nil, err
	}
	baseline, err := workspace.TakeSnapshot(cfg.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, log: logger, baseline: baseline}, nil
}

// Handler wires the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/files", s.handleListFiles)
	mux.HandleFunc("POST /api/files", s.handleUpload)
	mux.HandleFunc("GET /api/files/{name}", s.handleDownload)
	mux.HandleFunc("DELETE /api/files/{name}", s.handleDeleteFile)
	mux.HandleFunc("GET /api/image/build", s.handleBuildImage)
	mux.HandleFunc("POST /api/image/import", s.handleImportImage)
	mux.HandleFunc("POST /api/image/import-named", s.handleImportNamed)
	mux.HandleFunc("POST /api/sync/push", s.handleSyncPush)
	mux.HandleFunc("GET /api/sync/poll", s.handleSyncPoll)
	mux.HandleFunc("GET /api/sync/pull", s.handleSyncPull)
	mux.HandleFunc("GET /api/sync/image", s.handleGetLiveImage)
	mux.HandleFunc("POST /api/sync/image", s.handleSetLiveImage)
	mux.HandleFunc("POST /api/clear", s.handleClear)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	return s.logRequests(mux)
}

// ListenAndServe runs the server until the listener fails.
func (s *Server) ListenAndServe() error {
	s.log.WithField("listen", s.cfg.Listen).Info("serving")
	return http.ListenAndServe(s.cfg.Listen, s.Handler())
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(log.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"elapsed": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// safeName validates a client-supplied file name against the workspace
// charset. Empty means reject.
func safeName(raw string) string {
	name := workspace.SanitizeName(raw)
	if name != raw {
		return ""
	}
	return name
}

type fileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	snap, err := workspace.TakeSnapshot(s.cfg.WorkspaceDir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	files := make([]fileInfo, 0, len(snap))
	for name, st := range snap {
		files = append(files, fileInfo{Name: name, Size: st.Size, Modified: st.ModTime})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadMB<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("multipart: %w", err))
		return
	}
	var saved []string
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			name := workspace.SanitizeName(fh.Filename)
			if name == "" {
				s.writeError(w, http.StatusBadRequest, fmt.Errorf("unusable file name %q", fh.Filename))
				return
			}
			data, err := readPart(fh)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, err)
				return
			}
			if _, err := workspace.WriteIfChanged(s.cfg.WorkspaceDir, name, data); err != nil {
				s.writeError(w, http.StatusInternalServerError, err)
				return
			}
			saved = append(saved, name)
		}
	}
	if saved == nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("no file parts in request"))
		return
	}
	sort.Strings(saved)
	s.writeJSON(w, http.StatusOK, map[string]any{"saved": saved})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := safeName(r.PathValue("name"))
	if name == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad file name"))
		return
	}
	path := filepath.Join(s.cfg.WorkspaceDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("no such file %q", name))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Write(data)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	name := safeName(r.PathValue("name"))
	if name == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad file name"))
		return
	}
	if err := os.Remove(filepath.Join(s.cfg.WorkspaceDir, name)); err != nil {
		if os.IsNotExist(err) {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("no such file %q", name))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func (s *Server) handleBuildImage(w http.ResponseWriter, r *http.Request) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sizeMB := s.cfg.DefaultImageMB
	if q := r.URL.Query().Get("size"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad size %q", q))
			return
		}
		sizeMB = fat.ClampImageMB(n)
	}
	img, err := fat.BuildFromDirectory(s.cfg.WorkspaceDir, sizeMB)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.setLive(img)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="disk.img"`)
	w.Write(img)
}

func (s *Server) handleImportImage(w http.ResponseWriter, r *http.Request) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	img, err := readImageBody(w, r, s.cfg.MaxUploadMB<<20)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.importImage(w, img)
}

func (s *Server) handleImportNamed(w http.ResponseWriter, r *http.Request) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad request body: %w", err))
		return
	}
	name := safeName(req.Name)
	if name == "" || !strings.HasSuffix(strings.ToLower(name), ".img") {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("image name must be a plain .img basename"))
		return
	}
	img, err := os.ReadFile(filepath.Join(s.cfg.ImagesDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("no such image %q", name))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.importImage(w, img)
}

// importImage extracts an image into the workspace and resets the sync state
// so the next poll starts from the imported contents.
func (s *Server) importImage(w http.ResponseWriter, img []byte) {
	changed, deleted, err := syncer.ApplyImage(s.cfg.WorkspaceDir, img)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("import: %w", err))
		return
	}
	s.setLive(img)
	if err := s.rebaseline(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"changed": emptyIfNil(changed),
		"deleted": emptyIfNil(deleted),
	})
}

func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	img, err := readImageBody(w, r, s.cfg.MaxUploadMB<<20)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	g, err := fat.Resolve(img)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("image has no readable filesystem"))
		return
	}
	fp := fat.Fingerprint(img, g)

	s.mu.Lock()
	unchanged := s.havePushed && fp == s.lastFP
	s.mu.Unlock()
	if unchanged {
		s.setLive(img)
		s.writeJSON(w, http.StatusOK, map[string]any{"changed": []string{}, "deleted": []string{}})
		return
	}

	changed, deleted, err := syncer.ApplyImage(s.cfg.WorkspaceDir, img)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.setLive(img)
	if err := s.rebaseline(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.mu.Lock()
	s.lastFP = fp
	s.havePushed = true
	s.lastSync = time.Now()
	s.lastErr = ""
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"changed": emptyIfNil(changed),
		"deleted": emptyIfNil(deleted),
	})
}

func (s *Server) handleSyncPoll(w http.ResponseWriter, r *http.Request) {
	snap, err := workspace.TakeSnapshot(s.cfg.WorkspaceDir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.mu.Lock()
	ch := snap.Diff(s.baseline)
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"added":    emptyIfNil(ch.Added),
		"modified": emptyIfNil(ch.Modified),
		"deleted":  emptyIfNil(ch.Deleted),
	})
}

func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Baseline first, so the change being applied is not re-reported.
	if err := s.rebaseline(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	img, err := fat.BuildFromDirectory(s.cfg.WorkspaceDir, s.cfg.DefaultImageMB)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.setLive(img)
	s.mu.Lock()
	s.lastSync = time.Now()
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(img)
}

func (s *Server) handleGetLiveImage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	img := s.liveImg
	s.mu.Unlock()
	if img == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no live image"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(img)
}

func (s *Server) handleSetLiveImage(w http.ResponseWriter, r *http.Request) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	img, err := readImageBody(w, r, s.cfg.MaxUploadMB<<20)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.setLive(img)
	s.writeJSON(w, http.StatusOK, map[string]int{"bytes": len(img)})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := workspace.Clear(s.cfg.WorkspaceDir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.rebaseline(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.mu.Lock()
	s.havePushed = false
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := workspace.TakeSnapshot(s.cfg.WorkspaceDir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status := map[string]any{
		"workspace":   s.cfg.WorkspaceDir,
		"file_count":  len(snap),
		"has_image":   s.liveImg != nil,
		"fingerprint": s.lastFP,
		"last_error":  s.lastErr,
	}
	if !s.lastSync.IsZero() {
		status["last_sync"] = s.lastSync
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) setLive(img []byte) {
	s.mu.Lock()
	s.liveImg = img
	s.mu.Unlock()
}

func (s *Server) rebaseline() error {
	snap, err := workspace.TakeSnapshot(s.cfg.WorkspaceDir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.baseline = snap
	s.mu.Unlock()
	return nil
}

// readImageBody accepts an image either as a raw octet-stream body or as the
// "image" part of a multipart form.
func readImageBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	ct := r.Header.Get("Content-Type")
	if strings.Contains(strings.ToLower(ct), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, fmt.Errorf("multipart: %w", err)
		}
		f, _, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf(`missing "image" part: %w`, err)
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	img, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("empty image body")
	}
	return img, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
