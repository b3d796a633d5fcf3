// Package logsink writes one append-only log file per shot, fed by a
// bounded queue so a hung subprocess cannot block the writer indefinitely.
package logsink

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/cronweb"
)

const queueCapacity = 64

// FileLogSink implements cronweb.LogSink against a directory of
// "<ms_epoch>-<shot_id>.log" files.
type FileLogSink struct {
	logDir string
	logger cronweb.Logger

	mu      sync.Mutex
	writers map[string]chan string // shotID -> ingress queue, for bookkeeping only
}

// New creates (if needed) logDir and returns a ready FileLogSink.
func New(logDir string, logger cronweb.Logger) (*FileLogSink, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logsink: create log dir: %w", err)
	}
	return &FileLogSink{logDir: logDir, logger: logger, writers: make(map[string]chan string)}, nil
}

// OpenShot spawns the background writer task for one shot and returns the
// queue the caller should write lines into, plus the log file's path.
func (s *FileLogSink) OpenShot(uuid, shotID string, idleTimeout time.Duration) (chan<- string, string, error) {
	logPath := filepath.Join(s.logDir, fmt.Sprintf("%d-%s.log", time.Now().UnixMilli(), shotID))

	queue := make(chan string, queueCapacity)
	s.mu.Lock()
	s.writers[shotID] = queue
	s.mu.Unlock()

	go s.runWriter(shotID, logPath, queue, idleTimeout)

	return queue, logPath, nil
}

func (s *FileLogSink) runWriter(shotID, logPath string, queue chan string, idleTimeout time.Duration) {
	defer s.done(shotID)

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		s.logger.Error("failed to open shot log file", "shot_id", shotID, "path", logPath, "error", err)
		s.drain(queue)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	fmt.Fprintf(w, "%s\n", time.Now().Format(time.RFC3339Nano))

	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case item, ok := <-queue:
			if !ok || item == cronweb.LogStop {
				goto closeOut
			}
			w.WriteString(item)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleTimeout)
		case <-timer.C:
			s.logger.Warn("shot log writer idle timeout, closing", "shot_id", shotID)
			goto closeOut
		}
	}

closeOut:
	fmt.Fprintf(w, "%s\n", time.Now().Format(time.RFC3339Nano))
	s.drain(queue)
}

// drain consumes any remaining queued lines so a writer that exits early
// (file open failure, idle timeout) doesn't leave the sender blocked on a
// full channel.
func (s *FileLogSink) drain(queue chan string) {
	for {
		select {
		case _, ok := <-queue:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *FileLogSink) done(shotID string) {
	s.mu.Lock()
	delete(s.writers, shotID)
	s.mu.Unlock()
}

// ReadLogByPath returns at most the first limitLines lines of path (every
// line when limitLines <= 0), or nil if the file is missing or is a directory.
func (s *FileLogSink) ReadLogByPath(path string, limitLines int) (*string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("logsink: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if limitLines > 0 && len(lines) >= limitLines {
			break
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("logsink: scan %s: %w", path, err)
	}

	out := strings.Join(lines, "\n")
	return &out, nil
}

// RemoveLogFile deletes path. It returns the path on success, nil if the
// file was already absent.
func (s *FileLogSink) RemoveLogFile(path string) (*string, error) {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("logsink: remove %s: %w", path, err)
	}
	return &path, nil
}

// GetAllLogFilePaths enumerates every *.log file under logDir, sorted for
// deterministic reconciliation output.
func (s *FileLogSink) GetAllLogFilePaths() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.logDir, "*.log"))
	if err != nil {
		return nil, fmt.Errorf("logsink: glob log dir: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// ShotIDFromLogFileName parses the shot_id segment from a
// "<ms_epoch>-<shot_id>.log" file name (the segment after the single '-').
func ShotIDFromLogFileName(name string) (string, bool) {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, ".log")
	idx := strings.IndexByte(base, '-')
	if idx < 0 || idx == len(base)-1 {
		return "", false
	}
	return base[idx+1:], true
}
