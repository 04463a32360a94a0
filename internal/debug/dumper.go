// Package debug provides request/response dumping for troubleshooting
// conversions between the OpenAI surface and the Kiro backend.
package debug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultDumpDir is the default directory for debug dumps.
const DefaultDumpDir = "/tmp/kiro-gateway-debug"

// Dumper writes per-request dump directories.
// Layout:
//   - {baseDir}/success/{sessionID}/ - successful requests (only with KIRO_DEBUG_DUMP=true)
//   - {baseDir}/errors/{sessionID}/  - failed requests (unless KIRO_ERROR_DUMP=false)
type Dumper struct {
	enabled         bool // save everything, success included
	errorDumpAlways bool // save failures only (the default)
	baseDir         string
}

// Metadata describes one dumped request.
type Metadata struct {
	SessionID  string    `json:"session_id"`
	Account    string    `json:"account,omitempty"`
	Model      string    `json:"model,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Success    bool      `json:"success"`
}

// Session collects the dumps of a single request.
type Session struct {
	dumper    *Dumper
	sessionID string
	dir       string
	metadata  *Metadata
	mu        sync.Mutex
	closed    bool
}

// NewDumper creates a dumper from the environment:
//   - KIRO_DEBUG_DUMP=true  saves all requests
//   - KIRO_ERROR_DUMP=false disables even error dumps
//   - KIRO_DEBUG_DIR        overrides the base directory
func NewDumper() *Dumper {
	enabled := os.Getenv("KIRO_DEBUG_DUMP") == "true"
	errorDumpAlways := os.Getenv("KIRO_ERROR_DUMP") != "false"
	baseDir := os.Getenv("KIRO_DEBUG_DIR")
	if baseDir == "" {
		baseDir = DefaultDumpDir
	}

	if enabled || errorDumpAlways {
		_ = os.MkdirAll(filepath.Join(baseDir, "success"), 0755)
		_ = os.MkdirAll(filepath.Join(baseDir, "errors"), 0755)
	}

	return &Dumper{
		enabled:         enabled,
		errorDumpAlways: errorDumpAlways,
		baseDir:         baseDir,
	}
}

// Enabled reports whether full dumping is on.
func (d *Dumper) Enabled() bool { return d.enabled }

// BaseDir returns the dump root.
func (d *Dumper) BaseDir() string { return d.baseDir }

// NewSession starts a session, or returns nil when dumping is off
// entirely. All Session methods are safe on a nil receiver.
// Files live in a temp directory until Success or Fail settles them.
func (d *Dumper) NewSession(sessionID string) *Session {
	if !d.enabled && !d.errorDumpAlways {
		return nil
	}

	dir := filepath.Join(d.baseDir, "temp", sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil
	}

	return &Session{
		dumper:    d,
		sessionID: sessionID,
		dir:       dir,
		metadata: &Metadata{
			SessionID: sessionID,
			StartTime: time.Now(),
		},
	}
}

// SetModel records the requested model.
func (s *Session) SetModel(model string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.Model = model
}

// SetAccount records the pool account that served the request.
func (s *Session) SetAccount(name string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.Account = name
}

// SetStatusCode records the upstream status.
func (s *Session) SetStatusCode(code int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.StatusCode = code
}

// SetError records an error without settling the session.
func (s *Session) SetError(err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.Error = err.Error()
}

// DumpRequestJSON writes the client request as request.json.
func (s *Session) DumpRequestJSON(v interface{}) {
	if s == nil {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	go s.writeFile("request.json", data)
}

// DumpUpstreamRequest writes the Kiro payload as kiro_request.json.
func (s *Session) DumpUpstreamRequest(body []byte) {
	if s == nil {
		return
	}
	go s.writeFile("kiro_request.json", body)
}

// DumpResponseJSON writes the client response as response.json.
func (s *Session) DumpResponseJSON(v interface{}) {
	if s == nil {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	go s.writeFile("response.json", data)
}

func (s *Session) writeFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_ = os.WriteFile(filepath.Join(s.dir, name), data, 0644)
}

// Success settles the session. In full-dump mode the files move to
// success/, otherwise the temp directory is discarded.
func (s *Session) Success() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	s.metadata.EndTime = time.Now()
	s.metadata.Success = true

	if s.dumper.enabled {
		s.writeMetadata()
		_ = os.Rename(s.dir, filepath.Join(s.dumper.baseDir, "success", s.sessionID))
	} else {
		_ = os.RemoveAll(s.dir)
	}
}

// Fail settles the session as failed and keeps its files under errors/.
func (s *Session) Fail(err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	s.metadata.EndTime = time.Now()
	s.metadata.Success = false
	if err != nil {
		s.metadata.Error = err.Error()
	}

	s.writeMetadata()
	_ = os.Rename(s.dir, filepath.Join(s.dumper.baseDir, "errors", s.sessionID))
}

// writeMetadata writes metadata.json; the caller holds the lock.
func (s *Session) writeMetadata() {
	data, _ := json.MarshalIndent(s.metadata, "", "  ")
	_ = os.WriteFile(filepath.Join(s.dir, "metadata.json"), data, 0644)
}

// Close settles an unsettled session as a failure so its files survive.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.Fail(fmt.Errorf("session closed without explicit success/fail"))
}
