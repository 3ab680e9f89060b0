// Package samplelog writes the measurement samples of each ranging session
// to a CSV file.
package samplelog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/ranging"
	"github.com/user/nearby-blue/session"
	"github.com/user/nearby-blue/util"
)

var header = []string{"Time", "Distance[m]", "Direction_x", "Direction_y", "Direction_z"}

const (
	fileStampLayout = "20060102_150405"
	rowTimeLayout   = "15:04:05.000"
	fileSuffix      = "_NearbyInteraction.csv"
)

// Recorder keeps at most one open file, for the session currently ranging
type Recorder struct {
	dir    string
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
	path string
	rows int
}

// NewRecorder creates dir if needed. An empty dir means the session
// directory of the data dir.
func NewRecorder(dir, deviceID string) (*Recorder, error) {
	if dir == "" {
		dir = util.GetSessionDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("samplelog: create %s: %w", dir, err)
	}
	return &Recorder{
		dir:    dir,
		prefix: fmt.Sprintf("%s Samples", util.ShortHash(deviceID)),
		now:    time.Now,
	}, nil
}

// FileName is the name of the file for a session with peer started at t
func FileName(t time.Time, peer string) string {
	return t.Format(fileStampLayout) + "_" + sanitize(peer) + fileSuffix
}

func sanitize(peer string) string {
	if peer == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, peer)
}

// Open starts a new file for peer, closing any previous one
func (r *Recorder) Open(peer string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()

	path := filepath.Join(r.dir, FileName(r.now(), peer))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("samplelog: open %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return "", fmt.Errorf("samplelog: write header: %w", err)
	}
	w.Flush()
	r.file, r.csv, r.path, r.rows = f, w, path, 0
	logger.Info(r.prefix, "📝 recording to %s", filepath.Base(path))
	return path, nil
}

// Record appends one row. Absent fields are written as empty cells.
func (r *Recorder) Record(s ranging.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.csv == nil {
		return nil
	}
	if err := r.csv.Write(Row(s)); err != nil {
		return fmt.Errorf("samplelog: write row: %w", err)
	}
	r.csv.Flush()
	r.rows++
	return r.csv.Error()
}

// Row formats s the way it is stored
func Row(s ranging.Sample) []string {
	row := make([]string, len(header))
	row[0] = s.Time.Format(rowTimeLayout)
	if s.Distance != nil {
		row[1] = formatFloat(*s.Distance)
	}
	if s.Direction != nil {
		row[2] = formatFloat(s.Direction.X)
		row[3] = formatFloat(s.Direction.Y)
		row[4] = formatFloat(s.Direction.Z)
	}
	return row
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Close ends the current file, if any
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	r.csv.Flush()
	err := r.file.Close()
	logger.Debug(r.prefix, "closed %s after %d rows", filepath.Base(r.path), r.rows)
	r.file, r.csv = nil, nil
	return err
}

// Path returns the file being written, empty when none is open
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.path
}

// OnState opens a file when a session enters Ranging and closes it on any
// other state
func (r *Recorder) OnState(st session.Status) {
	if st.State == session.StateRanging {
		if _, err := r.Open(st.Peer); err != nil {
			logger.Error(r.prefix, "❌ %v", err)
		}
		return
	}
	if err := r.Close(); err != nil {
		logger.Warn(r.prefix, "close: %v", err)
	}
}

// OnSample records s, logging failures
func (r *Recorder) OnSample(s ranging.Sample) {
	if err := r.Record(s); err != nil {
		logger.Error(r.prefix, "❌ %v", err)
	}
}
