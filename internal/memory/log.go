package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vesperbot/vesper/internal/workspace"
)

const (
	publicFile  = "memory.public.jsonl"
	privateFile = "memory.private.jsonl"

	// maxLineBytes bounds a single JSONL line during reads.
	maxLineBytes = 1 << 20
)

// Log is the append-only memory store. Appends to the same workspace are
// serialized by a per-workspace mutex so each line is fully written before
// the next begins.
type Log struct {
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLog creates a Log.
func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{
		logger: log.With(slog.String("component", "memory")),
		locks:  map[string]*sync.Mutex{},
	}
}

func (l *Log) workspaceLock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	return lock
}

// newEventID generates a locally unique, roughly monotonic memory id.
func newEventID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("mem_%d_%s", time.Now().UnixMilli(), suffix)
}

// Add appends one memory event. Private visibility requires a DM workspace:
// memory.private.jsonl must never be created anywhere else.
func (l *Log) Add(ws *workspace.Workspace, content string, opts SaveOptions) (Event, error) {
	visibility := opts.Visibility
	if visibility == "" {
		visibility = VisibilityPublic
	}
	importance := opts.Importance
	if importance == "" {
		importance = ImportanceNormal
	}
	if !visibility.Valid() {
		return Event{}, fmt.Errorf("invalid visibility: %q", visibility)
	}
	if !importance.Valid() {
		return Event{}, fmt.Errorf("invalid importance: %q", importance)
	}
	if visibility == VisibilityPrivate && !ws.IsDM {
		return Event{}, ErrPrivateScope
	}

	enabled := true
	event := Event{
		Type:       eventTypeMemory,
		ID:         newEventID(),
		TS:         time.Now().UTC(),
		Enabled:    &enabled,
		Visibility: visibility,
		Importance: importance,
		Content:    content,
	}
	if err := l.append(ws, visibility, event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Patch appends one patch event targeting an earlier memory. The patch lands
// in the same file as its target; a patch whose target is unknown is still
// persisted (to the public file) and simply has no effect on resolution.
func (l *Log) Patch(ws *workspace.Workspace, targetID string, changes PatchSpec) (Event, error) {
	if changes.Empty() {
		return Event{}, ErrEmptyPatch
	}
	if changes.Visibility != nil && !changes.Visibility.Valid() {
		return Event{}, fmt.Errorf("invalid visibility: %q", *changes.Visibility)
	}
	if changes.Importance != nil && !changes.Importance.Valid() {
		return Event{}, fmt.Errorf("invalid importance: %q", *changes.Importance)
	}

	target := VisibilityPublic
	for _, resolved := range l.resolve(ws) {
		if resolved.ID == targetID {
			target = resolved.Visibility
			break
		}
	}
	if target == VisibilityPrivate && !ws.IsDM {
		return Event{}, ErrPrivateScope
	}

	event := Event{
		Type:     eventTypePatch,
		TargetID: targetID,
		TS:       time.Now().UTC(),
		Changes:  &changes,
	}
	if err := l.append(ws, target, event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Important returns all enabled, high-importance memories in ascending ts
// order, for context assembly.
func (l *Log) Important(ws *workspace.Workspace) []Resolved {
	resolved := l.resolve(ws)
	items := make([]Resolved, 0, len(resolved))
	for _, m := range resolved {
		if m.Enabled && m.Importance == ImportanceHigh {
			items = append(items, m)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].TS.Before(items[j].TS) })
	return items
}

// Search finds memories whose content contains every whitespace-separated
// query term, case-insensitively. Results are ordered newest first and capped
// at limit; per-result content is capped at maxChars (0 = uncapped).
func (l *Log) Search(ws *workspace.Workspace, query string, limit, maxChars int) []Resolved {
	terms := strings.Fields(strings.ToLower(query))
	resolved := l.resolve(ws)

	matches := make([]Resolved, 0, len(resolved))
	for _, m := range resolved {
		content := strings.ToLower(m.Content)
		all := true
		for _, term := range terms {
			if !strings.Contains(content, term) {
				all = false
				break
			}
		}
		if !all {
			continue
		}
		if maxChars > 0 && utf8.RuneCountInString(m.Content) > maxChars {
			m.Content = string([]rune(m.Content)[:maxChars])
		}
		matches = append(matches, m)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].TS.After(matches[j].TS) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// append writes one event as a single JSONL line under the workspace lock.
func (l *Log) append(ws *workspace.Workspace, visibility Visibility, event Event) error {
	name := publicFile
	if visibility == VisibilityPrivate {
		name = privateFile
	}
	path := filepath.Join(ws.Path, name)
	if err := workspace.ValidateInside(ws, path); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode memory event: %w", err)
	}
	data = append(data, '\n')

	lock := l.workspaceLock(ws.Key)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open memory log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append memory event: %w", err)
	}
	return nil
}

// resolve folds every event in the workspace's log files into the effective
// per-id state. The private file is read only for DM workspaces. Malformed
// lines are skipped with a warning counter, never fatal.
func (l *Log) resolve(ws *workspace.Workspace) []Resolved {
	files := []string{publicFile}
	if ws.IsDM {
		files = append(files, privateFile)
	}

	var events []Event
	skipped := 0
	for _, name := range files {
		path := filepath.Join(ws.Path, name)
		fileEvents, fileSkipped, err := readEvents(path)
		if err != nil {
			if !os.IsNotExist(err) {
				l.logger.Warn("read memory log failed",
					slog.String("workspace", ws.Key),
					slog.String("file", name),
					slog.Any("error", err),
				)
			}
			continue
		}
		events = append(events, fileEvents...)
		skipped += fileSkipped
	}
	if skipped > 0 {
		l.logger.Warn("skipped malformed memory lines",
			slog.String("workspace", ws.Key),
			slog.Int("count", skipped),
		)
	}

	return fold(events)
}

// fold builds the resolved view: each memory event seeds its id, then every
// patch for that id is applied in ts order. Patches for unknown ids drop out
// of the view (they remain on disk).
func fold(events []Event) []Resolved {
	byID := map[string]*Resolved{}
	order := make([]string, 0, len(events))
	patches := map[string][]Event{}

	for _, event := range events {
		switch event.Type {
		case eventTypeMemory:
			if event.ID == "" {
				continue
			}
			if _, exists := byID[event.ID]; exists {
				continue
			}
			enabled := true
			if event.Enabled != nil {
				enabled = *event.Enabled
			}
			byID[event.ID] = &Resolved{
				ID:         event.ID,
				TS:         event.TS,
				Enabled:    enabled,
				Visibility: event.Visibility,
				Importance: event.Importance,
				Content:    event.Content,
			}
			order = append(order, event.ID)
		case eventTypePatch:
			if event.TargetID == "" || event.Changes.Empty() {
				continue
			}
			patches[event.TargetID] = append(patches[event.TargetID], event)
		}
	}

	items := make([]Resolved, 0, len(order))
	for _, id := range order {
		resolved := byID[id]
		idPatches := patches[id]
		sort.SliceStable(idPatches, func(i, j int) bool {
			return idPatches[i].TS.Before(idPatches[j].TS)
		})
		for _, patch := range idPatches {
			if patch.Changes.Enabled != nil {
				resolved.Enabled = *patch.Changes.Enabled
			}
			if patch.Changes.Visibility != nil {
				resolved.Visibility = *patch.Changes.Visibility
			}
			if patch.Changes.Importance != nil {
				resolved.Importance = *patch.Changes.Importance
			}
		}
		items = append(items, *resolved)
	}
	return items
}

// readEvents parses one JSONL file. Unreadable lines are counted, not fatal.
func readEvents(path string) ([]Event, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var events []Event
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			skipped++
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return events, skipped, err
	}
	return events, skipped, nil
}
