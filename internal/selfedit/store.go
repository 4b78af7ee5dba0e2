// Package selfedit stores the documents the assistant may rewrite about
// itself (personality, briefing instructions, entity reference, memory)
// and the Home Assistant YAML files it may edit. Every write is an
// atomic replace; nothing is cached between reads.
package selfedit

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Name identifies a self document.
type Name string

// Self documents.
const (
	Personality Name = "personality"
	Briefing    Name = "briefing"
	Entities    Name = "entities"
	Memory      Name = "memory"
)

var fileNames = map[Name]string{
	Personality: "soul.md",
	Briefing:    "briefing_prompt.md",
	Entities:    "ha_entities.md",
	Memory:      "memory.md",
}

// FileName returns the on-disk name of the document, e.g. "soul.md".
func (n Name) FileName() string { return fileNames[n] }

// Names lists every document in a stable order.
func Names() []Name {
	return []Name{Personality, Briefing, Entities, Memory}
}

// ParseName accepts a document name or its file name ("soul.md").
func ParseName(s string) (Name, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for n, file := range fileNames {
		if s == string(n) || s == file || s == strings.TrimSuffix(file, ".md") {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown document %q", s)
}

// Document is one self document as read from disk.
type Document struct {
	Name     Name
	Content  string
	Modified time.Time // zero when the document does not exist yet
}

// keepRevisions is how many prior versions each document retains.
const keepRevisions = 5

// Store reads and writes self documents under a directory. Writers are
// serialized so an append never races a replace.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, "revisions"), 0o755); err != nil {
		return nil, fmt.Errorf("create document dir: %w", err)
	}
	return &Store{dir: dir, logger: logger, now: time.Now}, nil
}

func (s *Store) path(n Name) string {
	return filepath.Join(s.dir, fileNames[n])
}

// Read returns the current content. A missing document reads as empty.
func (s *Store) Read(n Name) (Document, error) {
	if _, ok := fileNames[n]; !ok {
		return Document{}, fmt.Errorf("unknown document %q", n)
	}
	p := s.path(n)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Document{Name: n}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", n, err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return Document{}, fmt.Errorf("stat %s: %w", n, err)
	}
	return Document{Name: n, Content: string(data), Modified: info.ModTime()}, nil
}

// Write replaces a document. Empty content is rejected unless clear is
// set.
func (s *Store) Write(n Name, content string, clear bool) error {
	if _, ok := fileNames[n]; !ok {
		return fmt.Errorf("unknown document %q", n)
	}
	if strings.TrimSpace(content) == "" && !clear {
		return &PersistenceError{Op: "write", Path: s.path(n), Err: ErrEmptyWrite}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replace(n, content)
}

// Append adds a "- note" line to a document, used for memory.
func (s *Store) Append(n Name, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return &PersistenceError{Op: "append", Path: s.path(n), Err: ErrEmptyWrite}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Read(n)
	if err != nil {
		return err
	}
	content := doc.Content
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return s.replace(n, content+"- "+note+"\n")
}

// replace snapshots the prior version, then atomically writes content.
// Callers hold s.mu.
func (s *Store) replace(n Name, content string) error {
	p := s.path(n)
	if prev, err := os.ReadFile(p); err == nil && len(prev) > 0 {
		rev := filepath.Join(s.dir, "revisions",
			fmt.Sprintf("%s.%s", fileNames[n], s.now().UTC().Format("20060102T150405.000000000")))
		if err := writeAtomic(rev, prev, 0o644); err != nil {
			return err
		}
		s.pruneRevisions(n)
	}
	if err := writeAtomic(p, []byte(content), 0o644); err != nil {
		return err
	}
	s.logger.Info("self document written", "document", n, "bytes", len(content))
	return nil
}

// Revisions lists stored prior versions of n, newest first.
func (s *Store) Revisions(n Name) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "revisions", fileNames[n]+".*"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

func (s *Store) pruneRevisions(n Name) {
	revs, err := s.Revisions(n)
	if err != nil {
		return
	}
	for _, old := range revs[min(len(revs), keepRevisions):] {
		if err := os.Remove(old); err != nil {
			s.logger.Warn("failed to prune revision", "path", old, "error", err)
		}
	}
}
