// Package daemon tracks the background webhook server through a PID file that also
// records where the server listens.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrAlreadyRunning is returned by Acquire when a live process owns the PID file.
var ErrAlreadyRunning = errors.New("server already running")

// Record is the content of a PID file.
type Record struct {
	PID     int
	Addr    string
	Started time.Time
}

// PIDFile manages a PID file for daemon process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire claims the PID file for the current process. A file left by a dead
// process is replaced.
func (p *PIDFile) Acquire(addr string) error {
	if pid, running := p.IsRunning(); running && pid != os.Getpid() {
		return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
	}
	return p.Write(Record{PID: os.Getpid(), Addr: addr, Started: time.Now()})
}

// Release removes the PID file if it still belongs to the current process.
func (p *PIDFile) Release() error {
	rec, err := p.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if rec.PID != os.Getpid() {
		return nil
	}
	return p.Remove()
}

// Write stores rec as PID, address and start time, one per line.
func (p *PIDFile) Write(rec Record) error {
	var b strings.Builder
	b.WriteString(strconv.Itoa(rec.PID))
	b.WriteString("\n")
	b.WriteString(rec.Addr)
	b.WriteString("\n")
	if !rec.Started.IsZero() {
		b.WriteString(rec.Started.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")
	return os.WriteFile(p.Path, []byte(b.String()), 0o644)
}

// WritePID writes a bare PID to the file.
func (p *PIDFile) WritePID(pid int) error {
	return p.Write(Record{PID: pid})
}

// Read parses the PID file. Only the PID line is required.
func (p *PIDFile) Read() (Record, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return Record{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Record{}, fmt.Errorf("invalid PID file content: %w", err)
	}
	rec := Record{PID: pid}
	if len(lines) > 1 {
		rec.Addr = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[2])); err == nil {
			rec.Started = t
		}
	}
	return rec, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
