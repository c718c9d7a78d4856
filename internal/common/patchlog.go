package common

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// PatchEntry records one overwrite made while applying a recipe or artifact.
type PatchEntry struct {
	JobID     string    `json:"jobId"`
	Source    string    `json:"source"`
	Op        int       `json:"op"`
	Kind      string    `json:"kind"`
	Offset    int64     `json:"offset"`
	BeforeHex string    `json:"beforeHex"`
	AfterHex  string    `json:"afterHex"`
	Ts        time.Time `json:"ts"`
}

// BeforeBytes decodes the bytes present before the edit.
func (p PatchEntry) BeforeBytes() ([]byte, error) {
	if strings.TrimSpace(p.BeforeHex) == "" {
		return nil, nil
	}
	return hex.DecodeString(p.BeforeHex)
}

// AfterBytes decodes the bytes written by the edit.
func (p PatchEntry) AfterBytes() ([]byte, error) {
	if strings.TrimSpace(p.AfterHex) == "" {
		return nil, nil
	}
	return hex.DecodeString(p.AfterHex)
}

// PatchLog provides append-only access to a JSONL audit log.
type PatchLog struct {
	path string
	mu   sync.Mutex
}

// NewPatchLog returns a PatchLog that writes to the provided path.
func NewPatchLog(path string) *PatchLog {
	return &PatchLog{path: path}
}

// Path returns the backing file path for the log.
func (p *PatchLog) Path() string {
	if p == nil {
		return ""
	}
	return p.path
}

// Append writes entries as one JSON object per line and syncs once.
func (p *PatchLog) Append(entries ...PatchEntry) error {
	if p == nil {
		return errors.New("nil patch log")
	}
	if len(entries) == 0 {
		return nil
	}
	var buf bytes.Buffer
	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.JobID == "" {
			return errors.New("patch entry missing jobId")
		}
		if entry.Ts.IsZero() {
			entry.Ts = now
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	dir := filepath.Dir(p.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.Sync()
}

// ReadPatchLog loads every entry from the supplied JSONL file.
func ReadPatchLog(path string) ([]PatchEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var entries []PatchEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry PatchEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("decode patch entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// EntriesForJob filters entries by job ID, keeping log order.
func EntriesForJob(entries []PatchEntry, jobID string) []PatchEntry {
	var out []PatchEntry
	for _, e := range entries {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

// Revert undoes entries on a copy of buf, newest first. Every region must
// still hold the bytes the edit wrote.
func Revert(buf []byte, entries []PatchEntry) ([]byte, error) {
	out := append([]byte(nil), buf...)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		before, err := e.BeforeBytes()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		after, err := e.AfterBytes()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if len(before) != len(after) {
			return nil, fmt.Errorf("entry %d: before and after differ in length", i)
		}
		end := e.Offset + int64(len(after))
		if e.Offset < 0 || end > int64(len(out)) {
			return nil, fmt.Errorf("entry %d: offset %d outside image", i, e.Offset)
		}
		if !bytes.Equal(out[e.Offset:end], after) {
			return nil, fmt.Errorf("entry %d: bytes at 0x%X no longer match the logged edit", i, e.Offset)
		}
		copy(out[e.Offset:], before)
	}
	return out, nil
}
