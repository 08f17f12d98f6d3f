package observability

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// UserLogSink mirrors user-scoped log records into per-user daily files under
// <dir>/<user_id>/YYYY-MM-DD.log, UTF-8, one line per record. File handles
// are cached per (user, day) and rotated when the day changes.
type UserLogSink struct {
	dir string

	mu   sync.Mutex
	open map[string]*userLogFile
}

type userLogFile struct {
	day  string
	file *os.File
}

var safeUserSegment = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NewUserLogSink creates a sink rooted at dir. Directories are created
// lazily on first write.
func NewUserLogSink(dir string) *UserLogSink {
	return &UserLogSink{dir: dir, open: map[string]*userLogFile{}}
}

// Write appends one record to the user's file for today. Failures are
// swallowed: user log files are an audit convenience, never a turn
// dependency.
func (s *UserLogSink) Write(userID string, level slog.Level, msg string, attrs []any) {
	seg := safeUserSegment.ReplaceAllString(userID, "_")
	if seg == "" {
		return
	}
	now := time.Now()
	day := now.Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.open[seg]
	if entry == nil || entry.day != day {
		if entry != nil {
			_ = entry.file.Close()
		}
		userDir := filepath.Join(s.dir, seg)
		if err := os.MkdirAll(userDir, 0o755); err != nil {
			return
		}
		f, err := os.OpenFile(filepath.Join(userDir, day+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		entry = &userLogFile{day: day, file: f}
		s.open[seg] = entry
	}

	var b strings.Builder
	b.WriteString(now.Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(level.String())
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i+1 < len(attrs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", attrs[i], attrs[i+1])
	}
	b.WriteByte('\n')
	_, _ = entry.file.WriteString(b.String())
}

// Close releases all cached file handles.
func (s *UserLogSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.open {
		_ = entry.file.Close()
	}
	s.open = map[string]*userLogFile{}
}
