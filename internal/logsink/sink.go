// Package logsink implements the Log Sink of §4.3: per-job, per-stream
// append-only files under a byte cap, with a small rolling tail buffer kept
// in memory for previews, and a random-access reader for the logs HTTP
// route. File handle lifecycle is grounded on the teacher's
// persist/internal/storage LocalBackend, which caches one *os.File pair per
// job while it is live and closes them on completion — adapted here to
// raw, ungzipped bytes so offset/limit reads over the file work, which a
// streaming gzip.Writer cannot support.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jsturma/jobctl/pkg/logger"
)

// Stream identifies which pipe a chunk or read request refers to.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Sink manages log files for all currently-running jobs under dir.
type Sink struct {
	dir             string
	maxBytes        int64
	previewMaxBytes int
	logger          *logger.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// New creates a Sink rooted at dir, creating it if necessary.
func New(dir string, maxBytesPerStream int64, previewMaxBytes int, log *logger.Logger) (*Sink, error) {
	if log == nil {
		log = logger.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	return &Sink{
		dir:             dir,
		maxBytes:        maxBytesPerStream,
		previewMaxBytes: previewMaxBytes,
		logger:          log.WithField("component", "log-sink"),
		handles:         make(map[string]*Handle),
	}, nil
}

// Handle is the pair of live stream writers for one running job.
type Handle struct {
	JobID  string
	Stdout *StreamWriter
	Stderr *StreamWriter
}

func (s *Sink) stdoutPath(jobID string) string { return filepath.Join(s.dir, jobID+".stdout.log") }
func (s *Sink) stderrPath(jobID string) string { return filepath.Join(s.dir, jobID+".stderr.log") }

// FileNames returns the opaque stdout/stderr log filenames for jobID, per
// §3's stdoutRef/stderrRef fields. These are filenames, not full paths — the
// directory they live under is an operator-configured detail the job record
// doesn't need to know.
func FileNames(jobID string) (stdoutRef, stderrRef string) {
	return jobID + ".stdout.log", jobID + ".stderr.log"
}

// Open creates (or reopens) the stdout/stderr files for jobID and returns a
// live Handle. The sink owns the file handles until Close is called.
func (s *Sink) Open(jobID string) (*Handle, error) {
	stdoutFile, err := os.OpenFile(s.stdoutPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout log: %w", err)
	}
	stderrFile, err := os.OpenFile(s.stderrPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdoutFile.Close()
		return nil, fmt.Errorf("failed to open stderr log: %w", err)
	}

	h := &Handle{
		JobID:  jobID,
		Stdout: newStreamWriter(stdoutFile, s.maxBytes, s.previewMaxBytes),
		Stderr: newStreamWriter(stderrFile, s.maxBytes, s.previewMaxBytes),
	}
	s.mu.Lock()
	s.handles[jobID] = h
	s.mu.Unlock()
	return h, nil
}

// Close closes both files for jobID and drops the live handle. Safe to call
// more than once.
func (s *Sink) Close(jobID string) {
	s.mu.Lock()
	h, ok := s.handles[jobID]
	delete(s.handles, jobID)
	s.mu.Unlock()
	if !ok {
		return
	}
	h.Stdout.close()
	h.Stderr.close()
}

// AppendError writes a diagnostic line to both the stderr file (if still
// open) and its preview buffer. The executor uses it for the spawn-error
// path of §7. A failed file write inside StreamWriter.Write is not recorded
// here: Write returns that error to its caller.
func (h *Handle) AppendError(msg string) {
	h.Stderr.Write([]byte("[jobctl] " + msg + "\n"))
}

// StreamWriter caps one stream's bytes written to disk while retaining an
// unclamped (up to previewMaxBytes) tail in memory.
type StreamWriter struct {
	mu        sync.Mutex
	file      *os.File
	cap       int64
	written   int64
	truncated bool
	ring      *ringBuffer
}

func newStreamWriter(f *os.File, cap int64, previewMaxBytes int) *StreamWriter {
	return &StreamWriter{file: f, cap: cap, ring: newRingBuffer(previewMaxBytes)}
}

// Write implements the per-chunk cap/truncate/preview logic of §4.3 steps
// 1-3. It always "succeeds" from the producer's point of view (bytes beyond
// the cap are silently discarded, per spec, not reported as a write error)
// unless the underlying file write itself fails.
func (w *StreamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ring.Append(p)

	if w.written >= w.cap {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil
	}

	room := w.cap - w.written
	toWrite := p
	if int64(len(p)) > room {
		toWrite = p[:room]
		w.truncated = true
	}

	if len(toWrite) > 0 {
		n, err := w.file.Write(toWrite)
		w.written += int64(n)
		if err != nil {
			return n, err
		}
	}
	return len(p), nil
}

// Size returns bytes actually written to disk so far.
func (w *StreamWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Truncated reports whether the producer ever exceeded the cap.
func (w *StreamWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}

// Preview decodes the retained tail buffer to UTF-8, replacing invalid
// sequences with the Unicode replacement character rather than dropping
// bytes, per §4.3.
func (w *StreamWriter) Preview() string {
	w.mu.Lock()
	b := w.ring.Bytes()
	w.mu.Unlock()
	return strings.ToValidUTF8(string(b), "�")
}

func (w *StreamWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.file.Close()
}

// ReadRange implements the random-access read of §4.3: returns the byte
// range [offset, offset+limit) of the named stream's file, its total size,
// and the next offset to request. If the file does not exist yet (job
// still queued or never wrote to this stream), it returns an empty,
// zero-size result rather than an error.
func (s *Sink) ReadRange(jobID string, stream Stream, offset, limit int64) (data []byte, totalSize int64, err error) {
	var path string
	switch stream {
	case Stdout:
		path = s.stdoutPath(jobID)
	case Stderr:
		path = s.stderrPath(jobID)
	default:
		return nil, 0, fmt.Errorf("unknown stream %q", stream)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	totalSize = info.Size()

	if offset < 0 {
		offset = 0
	}
	if offset >= totalSize {
		return nil, totalSize, nil
	}

	remaining := totalSize - offset
	if limit > remaining {
		limit = remaining
	}
	buf := make([]byte, limit)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, totalSize, err
	}
	return buf[:n], totalSize, nil
}
