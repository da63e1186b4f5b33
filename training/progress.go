package training

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProgressLog is the append-only human-readable training sidecar: one
// line per epoch or validation event. It is opened in append mode so a
// resumed run extends the history instead of truncating it.
type ProgressLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenProgressLog opens (or creates) progress.txt under dir.
func OpenProgressLog(dir string) (*ProgressLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}
	path := filepath.Join(dir, "progress.txt")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open progress log %s: %v", path, err)
	}
	return &ProgressLog{file: file}, nil
}

// Printf appends one timestamped line.
func (p *ProgressLog) Printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.file, "%s %s\n", time.Now().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))
}

// Close closes the underlying file.
func (p *ProgressLog) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.Close()
}
