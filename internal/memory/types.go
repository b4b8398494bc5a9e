// Package memory implements the append-only per-workspace memory log.
//
// Memories and their metadata patches are stored as one JSON object per line
// in memory.public.jsonl (and memory.private.jsonl for DM workspaces). Files
// are never rewritten; the effective state of a memory is the fold of its
// original event and every subsequent patch.
package memory

import (
	"errors"
	"time"
)

// Visibility controls which workspaces may read a memory.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Valid reports whether v is a known visibility value.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// Importance ranks a memory for context assembly.
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceNormal Importance = "normal"
)

// Valid reports whether i is a known importance value.
func (i Importance) Valid() bool {
	return i == ImportanceHigh || i == ImportanceNormal
}

const (
	eventTypeMemory = "memory"
	eventTypePatch  = "patch"
)

// Event is a single line of a memory log file. Memory events carry content;
// patch events carry a TargetID and Changes. Content is immutable once
// written.
type Event struct {
	Type       string      `json:"type"`
	ID         string      `json:"id,omitempty"`
	TargetID   string      `json:"target_id,omitempty"`
	TS         time.Time   `json:"ts"`
	Enabled    *bool       `json:"enabled,omitempty"`
	Visibility Visibility  `json:"visibility,omitempty"`
	Importance Importance  `json:"importance,omitempty"`
	Content    string      `json:"content,omitempty"`
	Changes    *PatchSpec  `json:"changes,omitempty"`
}

// PatchSpec is the permitted subset of fields a patch may change. Content, id
// and ts are structurally unpatchable.
type PatchSpec struct {
	Enabled    *bool       `json:"enabled,omitempty"`
	Visibility *Visibility `json:"visibility,omitempty"`
	Importance *Importance `json:"importance,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p *PatchSpec) Empty() bool {
	return p == nil || (p.Enabled == nil && p.Visibility == nil && p.Importance == nil)
}

// Resolved is the effective state of one memory after folding its patches.
type Resolved struct {
	ID         string     `json:"id"`
	TS         time.Time  `json:"ts"`
	Enabled    bool       `json:"enabled"`
	Visibility Visibility `json:"visibility"`
	Importance Importance `json:"importance"`
	Content    string     `json:"content"`
}

// SaveOptions carries the optional attributes of a new memory.
type SaveOptions struct {
	Visibility Visibility
	Importance Importance
}

// ErrPrivateScope is returned when a private memory operation targets a
// non-DM workspace. The private log file must never exist outside DMs.
var ErrPrivateScope = errors.New("private memory requires a DM workspace")

// ErrEmptyPatch is returned when a patch specifies no changes.
var ErrEmptyPatch = errors.New("patch specifies no changes")
