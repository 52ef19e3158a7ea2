package ptyterm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RecordingEntry is a single timestamped I/O event.
type RecordingEntry struct {
	// Elapsed is the time since session start in seconds.
	Elapsed float64
	// Type is "o" for output, "i" for input.
	Type string
	Data string
}

// MarshalJSON encodes the entry as an asciicast v2 event array.
func (e RecordingEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Elapsed, e.Type, e.Data})
}

// SessionRecording captures timestamped terminal I/O. It is safe for
// concurrent use.
type SessionRecording struct {
	mu         sync.Mutex
	entries    []RecordingEntry
	startTime  time.Time
	maxEntries int
}

// NewSessionRecording creates a new recording. If maxEntries <= 0 there is
// no limit on the number of entries.
func NewSessionRecording(maxEntries int) *SessionRecording {
	return &SessionRecording{
		startTime:  time.Now(),
		maxEntries: maxEntries,
	}
}

func (sr *SessionRecording) RecordOutput(data []byte) { sr.record("o", data) }

func (sr *SessionRecording) RecordInput(data []byte) { sr.record("i", data) }

func (sr *SessionRecording) record(kind string, data []byte) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.maxEntries > 0 && len(sr.entries) >= sr.maxEntries {
		return // drop if at capacity
	}
	sr.entries = append(sr.entries, RecordingEntry{
		Elapsed: time.Since(sr.startTime).Seconds(),
		Type:    kind,
		Data:    string(data),
	})
}

// Entries returns a copy of all recorded entries.
func (sr *SessionRecording) Entries() []RecordingEntry {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	result := make([]RecordingEntry, len(sr.entries))
	copy(result, sr.entries)
	return result
}

// Cast renders the recording as an asciicast v2 document: a header line
// followed by one event array per line.
func (sr *SessionRecording) Cast(cols, rows uint16) ([]byte, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	var buf bytes.Buffer
	header := map[string]interface{}{
		"version":   2,
		"width":     cols,
		"height":    rows,
		"timestamp": sr.startTime.Unix(),
	}
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(header); err != nil {
		return nil, err
	}
	for _, e := range sr.entries {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Sealer encrypts recordings before they are written to disk.
type Sealer interface {
	Encrypt(plaintext []byte) ([]byte, error)
}

// WriteRecording stores the recording under dir as <id>.cast, or
// <id>.cast.enc when sealer is non-nil. Returns the written path.
func WriteRecording(dir, id string, cols, rows uint16, rec *SessionRecording, sealer Sealer) (string, error) {
	data, err := rec.Cast(cols, rows)
	if err != nil {
		return "", fmt.Errorf("encode recording: %w", err)
	}
	name := id + ".cast"
	if sealer != nil {
		data, err = sealer.Encrypt(data)
		if err != nil {
			return "", fmt.Errorf("seal recording: %w", err)
		}
		name += ".enc"
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write recording: %w", err)
	}
	return path, nil
}
