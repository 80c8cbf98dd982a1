// Package queue provides the durable, line-oriented work queues backing scan
// runs. One file per category; strictly FIFO; a consumed prefix is never
// re-read; the file is deleted once fully drained.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/refscout/refscout/internal/metrics"
	"github.com/refscout/refscout/internal/refs"
)

// MaxGroupSize is the hard ceiling on one pop, regardless of what the caller
// requests, to bound per-batch fan-out.
const MaxGroupSize = 50

// FileQueue implements refs.QueueManager over per-category text files.
type FileQueue struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileQueue creates the queue directory if needed.
func NewFileQueue(dir string, logger *zap.Logger) (*FileQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &FileQueue{dir: dir, logger: logger}, nil
}

func (q *FileQueue) path(category refs.Category) string {
	return filepath.Join(q.dir, string(category)+".queue")
}

// Push appends items to the category file, writing the sentinel line first
// when the file does not exist yet.
func (q *FileQueue) Push(category refs.Category, items []refs.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	path := q.path(category)
	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open queue %s: %w", category, err)
	}
	defer f.Close()

	var b strings.Builder
	if fresh {
		b.WriteString(refs.ProgressSentinel)
		b.WriteByte('\n')
	}
	for _, item := range items {
		b.WriteString(encodeLine(item))
		b.WriteByte('\n')
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("append queue %s: %w", category, err)
	}
	return nil
}

// PopGroup reads up to max items from the front (hard ceiling MaxGroupSize)
// and advances the cursor by rewriting the remaining tail. If the first
// unread line is the sentinel it is returned alone without consuming real
// work, so the orchestrator can confirm liveness before the first item.
// A corrupt file is deleted and skipped, never fatal.
func (q *FileQueue) PopGroup(category refs.Category, max int) ([]refs.QueueItem, error) {
	if max <= 0 || max > MaxGroupSize {
		max = MaxGroupSize
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	lines, ok := q.readLines(category)
	if !ok || len(lines) == 0 {
		q.removeFile(category)
		return nil, nil
	}

	if lines[0] == refs.ProgressSentinel {
		if err := q.rewrite(category, lines[1:]); err != nil {
			return nil, err
		}
		return []refs.QueueItem{{Value: refs.ProgressSentinel}}, nil
	}

	n := max
	if n > len(lines) {
		n = len(lines)
	}
	items := make([]refs.QueueItem, 0, n)
	for _, line := range lines[:n] {
		items = append(items, decodeLine(line))
	}
	if err := q.rewrite(category, lines[n:]); err != nil {
		return nil, err
	}
	metrics.SetQueueDepth(string(category), len(lines)-n)
	return items, nil
}

// Count returns the number of unread lines in the category file.
func (q *FileQueue) Count(category refs.Category) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lines, ok := q.readLines(category)
	if !ok {
		return 0, nil
	}
	if len(lines) == 0 {
		q.removeFile(category)
		return 0, nil
	}
	return len(lines), nil
}

// Total sums counts across every category.
func (q *FileQueue) Total() (int, error) {
	total := 0
	for _, category := range refs.CategoryOrder {
		n, err := q.Count(category)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// DrainAll removes every category file without processing it.
func (q *FileQueue) DrainAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, category := range refs.CategoryOrder {
		q.removeFile(category)
		metrics.SetQueueDepth(string(category), 0)
	}
	return nil
}

// readLines returns the unread lines and whether the file was usable. An
// unreadable file is logged and deleted so one corrupt category cannot
// abort the whole run.
func (q *FileQueue) readLines(category refs.Category) ([]string, bool) {
	path := q.path(category)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false
	}
	if err != nil {
		q.logger.Warn("queue file unreadable, dropping",
			zap.String("category", string(category)),
			zap.Error(err),
		)
		q.removeFile(category)
		return nil, false
	}
	raw := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines := raw[:0]
	for _, line := range raw {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, true
}

// rewrite replaces the category file with the remaining tail, atomically via
// rename, deleting it when the tail is empty.
func (q *FileQueue) rewrite(category refs.Category, lines []string) error {
	path := q.path(category)
	if len(lines) == 0 {
		q.removeFile(category)
		return nil
	}
	tmp := path + ".tmp"
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("rewrite queue %s: %w", category, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace queue %s: %w", category, err)
	}
	return nil
}

func (q *FileQueue) removeFile(category refs.Category) {
	if err := os.Remove(q.path(category)); err != nil && !errors.Is(err, os.ErrNotExist) {
		q.logger.Warn("queue file remove failed",
			zap.String("category", string(category)),
			zap.Error(err),
		)
	}
}

// encodeLine renders `value[|description]`, stripping the delimiter
// characters an id must not contain.
func encodeLine(item refs.QueueItem) string {
	value := sanitize(item.Value)
	if item.Description == "" {
		return value
	}
	return value + "|" + sanitize(item.Description)
}

func decodeLine(line string) refs.QueueItem {
	value, description, _ := strings.Cut(line, "|")
	return refs.QueueItem{Value: value, Description: description}
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "|", "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.ReplaceAll(s, "\r", "")
}
