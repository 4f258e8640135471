// Package collect holds the pure collection engine: resources, entry keys,
// upsert/finalize semantics and the completion evaluator. Nothing here
// touches storage or transport; every operation mutates one in-memory
// aggregate and is deterministic, which is what makes resubmission and
// multi-tab races safe to reason about.
package collect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"formapilot/collecte/internal/errs"
)

// Kind distinguishes the two resource families sharing one shape.
type Kind string

const (
	KindAttendance Kind = "attendance"
	KindSurvey     Kind = "survey"
)

// Status is the derived lifecycle state of a resource. Transitions are
// monotonic: open → partial → complete. Expired is set from the clock,
// never from entry state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPartial  Status = "partial"
	StatusComplete Status = "complete"
	StatusExpired  Status = "expired"
)

// Outcome reports what an upsert did with an entry.
type Outcome string

const (
	// OutcomeAccepted means the entry was written.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeAlreadyRecorded means an identical final entry already existed;
	// the call is an idempotent no-op success.
	OutcomeAlreadyRecorded Outcome = "already_recorded"
	// OutcomeSkippedFinal means a draft targeted a key that is already final;
	// the final entry is left untouched.
	OutcomeSkippedFinal Outcome = "skipped_final"
)

// Entry is one recorded unit: a drawn signature payload or one answer.
// Once Draft is false the entry is immutable.
type Entry struct {
	Key         EntryKey
	Value       json.RawMessage
	Draft       bool
	SubmittedAt time.Time
	Contact     string
}

// Resource is the aggregate behind an access token.
type Resource struct {
	ID          uuid.UUID
	Token       string
	Kind        Kind
	Status      Status
	Required    []EntryKey
	Entries     map[EntryKey]Entry
	ExpiresAt   time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewResource freezes the shape's required key set and opens the resource.
func NewResource(id uuid.UUID, token string, shape Shape, expiresAt, now time.Time) *Resource {
	return &Resource{
		ID:        id,
		Token:     token,
		Kind:      shape.Kind(),
		Status:    StatusOpen,
		Required:  shape.RequiredKeys(),
		Entries:   make(map[EntryKey]Entry),
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// ExpiredAt reports whether the resource is past its window at the given
// instant. A persisted expired status wins regardless of the clock.
func (r *Resource) ExpiredAt(now time.Time) bool {
	return r.Status == StatusExpired || now.After(r.ExpiresAt)
}

func (r *Resource) requires(key EntryKey) bool {
	for _, k := range r.Required {
		if k == key {
			return true
		}
	}
	return false
}

// UpsertFinal records an immutable entry for key. If an identical final
// entry exists the call succeeds as a no-op; a different value against a
// final entry is a conflict and leaves the stored value unchanged. A draft
// under the key is promoted by the final write.
func (r *Resource) UpsertFinal(key EntryKey, value json.RawMessage, contact string, now time.Time) (Outcome, error) {
	if !r.requires(key) {
		return "", fmt.Errorf("upsert final %s: %w", key, errs.ErrUnknownKey)
	}
	if existing, ok := r.Entries[key]; ok && !existing.Draft {
		if equalValue(existing.Value, value) {
			return OutcomeAlreadyRecorded, nil
		}
		return "", fmt.Errorf("upsert final %s: %w", key, errs.ErrEntryConflict)
	}
	r.Entries[key] = Entry{
		Key:         key,
		Value:       compactValue(value),
		Draft:       false,
		SubmittedAt: now.UTC(),
		Contact:     contact,
	}
	r.UpdatedAt = now.UTC()
	return OutcomeAccepted, nil
}

// UpsertDraft overwrites the current draft for key, last write wins. It
// never promotes a draft to final and never touches a final entry.
func (r *Resource) UpsertDraft(key EntryKey, value json.RawMessage, now time.Time) (Outcome, error) {
	if !r.requires(key) {
		return "", fmt.Errorf("upsert draft %s: %w", key, errs.ErrUnknownKey)
	}
	if existing, ok := r.Entries[key]; ok && !existing.Draft {
		return OutcomeSkippedFinal, nil
	}
	r.Entries[key] = Entry{
		Key:         key,
		Value:       compactValue(value),
		Draft:       true,
		SubmittedAt: now.UTC(),
	}
	r.UpdatedAt = now.UTC()
	return OutcomeAccepted, nil
}

// Finalize promotes drafts to final for every given key and returns the
// keys it promoted. It fails without touching anything if any key has
// neither a draft nor a final value, listing exactly the missing keys.
func (r *Resource) Finalize(keys []EntryKey, contact string, now time.Time) ([]EntryKey, error) {
	var missing []EntryKey
	for _, key := range keys {
		if _, ok := r.Entries[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingKeysError{Keys: missing}
	}
	var promoted []EntryKey
	for _, key := range keys {
		entry := r.Entries[key]
		if !entry.Draft {
			continue
		}
		entry.Draft = false
		entry.SubmittedAt = now.UTC()
		if contact != "" {
			entry.Contact = contact
		}
		r.Entries[key] = entry
		promoted = append(promoted, key)
	}
	r.UpdatedAt = now.UTC()
	return promoted, nil
}

// Evaluate recomputes the status from entry state alone. It is pure and
// total: two submissions racing on different keys both converge on the
// same answer once both are applied. Expiry is not its business.
func (r *Resource) Evaluate() Status {
	if len(r.Entries) == 0 {
		return StatusOpen
	}
	for _, key := range r.Required {
		entry, ok := r.Entries[key]
		if !ok || entry.Draft {
			return StatusPartial
		}
	}
	if len(r.Required) == 0 {
		return StatusPartial
	}
	return StatusComplete
}

// Recompute applies Evaluate under the monotonicity rule and reports
// whether the resource just transitioned into complete. Completion event
// emission is keyed off that transition, not off the calling operation.
func (r *Resource) Recompute(now time.Time) (transitioned bool) {
	if r.Status == StatusComplete || r.Status == StatusExpired {
		return false
	}
	next := r.Evaluate()
	if next == r.Status {
		return false
	}
	r.Status = next
	r.UpdatedAt = now.UTC()
	if next == StatusComplete {
		at := now.UTC()
		r.CompletedAt = &at
		return true
	}
	return false
}

// Extend appends required keys that are not yet part of the frozen set and
// re-derives the status. This is the one audited path that may regress a
// complete resource back to partial.
func (r *Resource) Extend(keys []EntryKey, now time.Time) (added []EntryKey) {
	for _, key := range keys {
		if r.requires(key) {
			continue
		}
		r.Required = append(r.Required, key)
		added = append(added, key)
	}
	if len(added) == 0 {
		return nil
	}
	prev := r.Status
	if prev != StatusExpired {
		r.Status = r.Evaluate()
		if r.Status != StatusComplete {
			r.CompletedAt = nil
		}
	}
	r.UpdatedAt = now.UTC()
	return added
}

// MissingKeysError lists required entries absent from a finalize call.
type MissingKeysError struct {
	Keys []EntryKey
}

func (e *MissingKeysError) Error() string {
	return "missing keys: " + strings.Join(KeyStrings(e.Keys), ", ")
}

// Value equivalence is byte equality of the compacted JSON payload.
// Signature images are opaque base64 strings and answers are normalized
// {rating,text} objects, so this is stable across retries.
func equalValue(a, b json.RawMessage) bool {
	return bytes.Equal(compactValue(a), compactValue(b))
}

func compactValue(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return json.RawMessage(buf.Bytes())
}
