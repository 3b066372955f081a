// Package debug provides request/response dumping for failed dispatches.
package debug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultDumpDir is the default directory for debug dumps.
	DefaultDumpDir = "/tmp/warp-gateway-debug"
)

// Dumper captures the payloads of dispatches for postmortem inspection.
// Directory structure:
//   - {baseDir}/success/{sessionID}/ - served requests (only when WARP_GATEWAY_DEBUG_DUMP=true)
//   - {baseDir}/errors/{sessionID}/  - failed requests (enabled unless WARP_GATEWAY_ERROR_DUMP=false)
type Dumper struct {
	enabled         bool
	errorDumpAlways bool
	baseDir         string
}

// Metadata contains debug metadata for a dispatch.
type Metadata struct {
	SessionID  string    `json:"session_id"`
	Model      string    `json:"model,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Success    bool      `json:"success"`
}

// Session is the capture scope of a single dispatch.
type Session struct {
	dumper    *Dumper
	sessionID string
	dir       string
	metadata  *Metadata
	mu        sync.Mutex
	closed    bool
}

// NewDumper creates a dumper.
//
// Environment variables:
//   - WARP_GATEWAY_DEBUG_DUMP=true: save every dispatch (success/ and errors/)
//   - WARP_GATEWAY_ERROR_DUMP=false: disable error dumping entirely
//   - WARP_GATEWAY_DEBUG_DIR: custom base directory (default: /tmp/warp-gateway-debug)
func NewDumper() *Dumper {
	enabled := os.Getenv("WARP_GATEWAY_DEBUG_DUMP") == "true"
	errorDumpAlways := os.Getenv("WARP_GATEWAY_ERROR_DUMP") != "false"
	baseDir := os.Getenv("WARP_GATEWAY_DEBUG_DIR")
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

// NewSession creates a capture session. Returns nil if both full debug and
// error dump are disabled; all Session methods are nil-safe.
// The session writes to a temp directory, then moves to success/ or errors/
// on completion.
func (d *Dumper) NewSession(sessionID string) *Session {
	if d == nil || (!d.enabled && !d.errorDumpAlways) {
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

// SetModel sets the model in metadata.
func (s *Session) SetModel(model string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.Model = model
}

// SetErrorKind sets the dispatch failure taxonomy kind.
func (s *Session) SetErrorKind(kind string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.ErrorKind = kind
}

// SetStatusCode sets the status code in metadata.
func (s *Session) SetStatusCode(code int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.StatusCode = code
}

// SetAttempts records how many accounts the dispatch tried.
func (s *Session) SetAttempts(n int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.Attempts = n
}

// DumpRequest writes the request body to request.json.
func (s *Session) DumpRequest(body []byte) {
	if s == nil {
		return
	}
	go s.writeFile("request.json", body)
}

// AppendEvent appends one relayed event to events.jsonl.
func (s *Session) AppendEvent(v any) {
	if s == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.appendToFile("events.jsonl", data)
}

func (s *Session) appendToFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(data)
	f.Write([]byte("\n"))
}

func (s *Session) writeFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	path := filepath.Join(s.dir, name)
	_ = os.WriteFile(path, data, 0644)
}

// Success marks the session as served. Full debug mode moves the capture
// to success/; error-only mode discards it.
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
		destDir := filepath.Join(s.dumper.baseDir, "success", s.sessionID)
		_ = os.Rename(s.dir, destDir)
	} else {
		_ = os.RemoveAll(s.dir)
	}
}

// Fail marks the session as failed and moves files to the errors/ directory.
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
	destDir := filepath.Join(s.dumper.baseDir, "errors", s.sessionID)
	_ = os.Rename(s.dir, destDir)
}

// writeMetadata writes the metadata.json file (must be called with lock held).
func (s *Session) writeMetadata() {
	data, _ := json.MarshalIndent(s.metadata, "", "  ")
	path := filepath.Join(s.dir, "metadata.json")
	_ = os.WriteFile(path, data, 0644)
}

// Close closes the session. If not explicitly marked as success/fail,
// treats as failure and preserves files.
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
