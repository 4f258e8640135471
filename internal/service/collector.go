// Package service hosts the submission orchestrator: the public operation
// surface over the collection engine, composed with the repository, the
// token resolver and the completion-event dispatcher.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"formapilot/collecte/internal/collect"
	"formapilot/collecte/internal/errs"
	"formapilot/collecte/internal/notify"
	"formapilot/collecte/internal/repository"
)

// Options tunes the orchestrator.
type Options struct {
	// StorageTimeout bounds every storage round trip; on expiry the caller
	// gets a retryable storage_unavailable, never a hang.
	StorageTimeout time.Duration
	// AttendanceGrace extends an attendance sheet's window past the end of
	// its last scheduled period.
	AttendanceGrace time.Duration
	// TokenCacheTTL bounds how long a token → resource id mapping may be
	// served from redis.
	TokenCacheTTL time.Duration
}

// Collector orchestrates token-gated collection. All mutations run inside
// a single repository transaction per resource, so two tabs racing on the
// same sheet serialize and converge on one status.
type Collector struct {
	repo     repository.ResourceRepository
	notifier notify.Notifier
	cache    *tokenCache
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

// NewCollector wires the orchestrator. redisClient may be nil; the token
// cache then degrades to direct lookups.
func NewCollector(repo repository.ResourceRepository, notifier notify.Notifier, redisClient *redis.Client, logger *zap.Logger, opts Options) *Collector {
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 5 * time.Second
	}
	if opts.TokenCacheTTL <= 0 {
		opts.TokenCacheTTL = time.Minute
	}
	return &Collector{
		repo:     repo,
		notifier: notifier,
		cache:    newTokenCache(redisClient, opts.TokenCacheTTL),
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Views

// EntryView is one recorded entry as returned to clients.
type EntryView struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Draft       bool            `json:"draft"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

// ResourceView is the resource shape handed back on every operation.
type ResourceView struct {
	ID           string      `json:"id"`
	Kind         string      `json:"kind"`
	Status       string      `json:"status"`
	RequiredKeys []string    `json:"requiredKeys"`
	Entries      []EntryView `json:"entries"`
	ExpiresAt    time.Time   `json:"expiresAt"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
}

// SubmitResult reports a single final submission. Completed is true only
// for the call that actually transitioned the resource into complete.
type SubmitResult struct {
	Outcome   collect.Outcome
	Completed bool
	Resource  *ResourceView
}

// DraftResult reports a partial save, outcome per submitted key.
type DraftResult struct {
	Outcomes map[string]collect.Outcome
	Resource *ResourceView
}

func makeView(r *collect.Resource) *ResourceView {
	entries := make([]EntryView, 0, len(r.Entries))
	for _, entry := range r.Entries {
		entries = append(entries, EntryView{
			Key:         entry.Key.String(),
			Value:       entry.Value,
			Draft:       entry.Draft,
			SubmittedAt: entry.SubmittedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return &ResourceView{
		ID:           r.ID.String(),
		Kind:         string(r.Kind),
		Status:       string(r.Status),
		RequiredKeys: collect.KeyStrings(r.Required),
		Entries:      entries,
		ExpiresAt:    r.ExpiresAt,
		CompletedAt:  r.CompletedAt,
	}
}

// Open resolves the token and returns the resource shape, required keys,
// current entries and status. It has no side effects and is safe to call
// on every page load or autosave tick.
func (c *Collector) Open(ctx context.Context, token string) (*ResourceView, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	res, err := c.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if res.ExpiredAt(c.now()) {
		return nil, errs.ErrTokenExpired
	}
	return makeView(res), nil
}

// Receipt returns the read-only view that stays reachable after expiry,
// for attestation/receipt purposes.
func (c *Collector) Receipt(ctx context.Context, token string) (*ResourceView, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	res, err := c.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	view := makeView(res)
	if res.ExpiredAt(c.now()) && res.Status != collect.StatusComplete {
		view.Status = string(collect.StatusExpired)
	}
	return view, nil
}

// Submit records one final entry. Retrying with identical arguments is a
// no-op success; submitting a different value for a final key is a
// conflict. The completion event fires only on the transition into
// complete, so a network retry can never double-emit it.
func (c *Collector) Submit(ctx context.Context, token, keyText string, value json.RawMessage, contact string) (*SubmitResult, error) {
	key, err := collect.ParseEntryKey(keyText)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrUnknownKey)
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	id, err := c.resolveID(ctx, token)
	if err != nil {
		return nil, err
	}

	var (
		outcome collect.Outcome
		event   *notify.CompletionEvent
	)
	res, err := c.repo.Mutate(ctx, id, func(r *collect.Resource) ([]collect.EntryKey, error) {
		now := c.now()
		if r.ExpiredAt(now) {
			return nil, errs.ErrTokenExpired
		}
		outcome, err = r.UpsertFinal(key, value, contact, now)
		if err != nil {
			return nil, err
		}
		if outcome != collect.OutcomeAccepted {
			return nil, nil
		}
		if r.Recompute(now) {
			event = &notify.CompletionEvent{ResourceID: r.ID, Kind: r.Kind, CompletedAt: *r.CompletedAt}
		}
		return []collect.EntryKey{key}, nil
	})
	if err != nil {
		return nil, c.storageErr(err)
	}
	c.emit(event)
	return &SubmitResult{Outcome: outcome, Completed: event != nil, Resource: makeView(res)}, nil
}

// SaveDraft applies a last-write-wins partial save. Drafts race freely,
// but a completed or expired resource rejects them outright, and a key
// that is already final is skipped without touching the final entry.
func (c *Collector) SaveDraft(ctx context.Context, token string, values map[string]json.RawMessage) (*DraftResult, error) {
	keys, err := parseValueKeys(values)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	id, err := c.resolveID(ctx, token)
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]collect.Outcome, len(values))
	res, err := c.repo.Mutate(ctx, id, func(r *collect.Resource) ([]collect.EntryKey, error) {
		now := c.now()
		if r.ExpiredAt(now) {
			return nil, errs.ErrTokenExpired
		}
		if r.Status == collect.StatusComplete {
			return nil, errs.ErrResourceComplete
		}
		var changed []collect.EntryKey
		for _, key := range keys {
			outcome, err := r.UpsertDraft(key, values[key.String()], now)
			if err != nil {
				return nil, err
			}
			outcomes[key.String()] = outcome
			if outcome == collect.OutcomeAccepted {
				changed = append(changed, key)
			}
		}
		r.Recompute(now)
		return changed, nil
	})
	if err != nil {
		return nil, c.storageErr(err)
	}
	return &DraftResult{Outcomes: outcomes, Resource: makeView(res)}, nil
}

// FinalizeResult reports a whole-survey submission.
type FinalizeResult struct {
	Completed bool
	Resource  *ResourceView
}

// Finalize merges the given final values, promotes every remaining draft
// and completes the resource, or fails with the exact list of required
// keys still missing so the caller can re-prompt for just those.
func (c *Collector) Finalize(ctx context.Context, token string, values map[string]json.RawMessage, contact string) (*FinalizeResult, error) {
	keys, err := parseValueKeys(values)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	id, err := c.resolveID(ctx, token)
	if err != nil {
		return nil, err
	}

	var event *notify.CompletionEvent
	res, err := c.repo.Mutate(ctx, id, func(r *collect.Resource) ([]collect.EntryKey, error) {
		now := c.now()
		if r.ExpiredAt(now) {
			return nil, errs.ErrTokenExpired
		}
		var changed []collect.EntryKey
		for _, key := range keys {
			outcome, err := r.UpsertFinal(key, values[key.String()], contact, now)
			if err != nil {
				return nil, err
			}
			if outcome == collect.OutcomeAccepted {
				changed = append(changed, key)
			}
		}
		promoted, err := r.Finalize(r.Required, contact, now)
		if err != nil {
			return nil, err
		}
		changed = append(changed, promoted...)
		if r.Recompute(now) {
			event = &notify.CompletionEvent{ResourceID: r.ID, Kind: r.Kind, CompletedAt: *r.CompletedAt}
		}
		return changed, nil
	})
	if err != nil {
		return nil, c.storageErr(err)
	}
	c.emit(event)
	return &FinalizeResult{Completed: event != nil, Resource: makeView(res)}, nil
}

func (c *Collector) emit(event *notify.CompletionEvent) {
	if event == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StorageTimeout)
	defer cancel()
	if err := c.notifier.ResourceCompleted(ctx, *event); err != nil {
		c.logger.Error("completion event dispatch failed",
			zap.String("resourceId", event.ResourceID.String()), zap.Error(err))
	}
}

func (c *Collector) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.StorageTimeout)
}

// storageErr maps deadline expiry to the retryable transient sentinel and
// a vanished row behind a resolved token to gone. Domain errors pass
// through untouched.
func (c *Collector) storageErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
	}
	if errors.Is(err, errs.ErrNotFound) {
		return errs.ErrResourceGone
	}
	return err
}

func parseValueKeys(values map[string]json.RawMessage) ([]collect.EntryKey, error) {
	texts := make([]string, 0, len(values))
	for text := range values {
		texts = append(texts, text)
	}
	sort.Strings(texts)
	keys, err := collect.ParseEntryKeys(texts)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrUnknownKey)
	}
	return keys, nil
}
