package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileMirror appends entries as JSON lines and fsyncs after every write.
type FileMirror struct {
	mu sync.Mutex
	f  *os.File
}

func OpenFileMirror(path string) (*FileMirror, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	return &FileMirror{f: f}, nil
}

func (m *FileMirror) AppendEntry(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.f.Write(data); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("sync results file: %w", err)
	}
	return nil
}

func (m *FileMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}
