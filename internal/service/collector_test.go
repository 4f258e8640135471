package service

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"formapilot/collecte/internal/collect"
	"formapilot/collecte/internal/errs"
	"formapilot/collecte/internal/notify"
	"formapilot/collecte/internal/repository"
)

// memRepo is an in-memory ResourceRepository with the same
// read-modify-write discipline as the postgres implementation: Mutate
// works on a copy and only publishes it when fn succeeds.
type memRepo struct {
	mu        sync.Mutex
	resources map[uuid.UUID]*collect.Resource
}

func newMemRepo() *memRepo {
	return &memRepo{resources: make(map[uuid.UUID]*collect.Resource)}
}

func cloneResource(r *collect.Resource) *collect.Resource {
	c := *r
	c.Required = append([]collect.EntryKey(nil), r.Required...)
	c.Entries = make(map[collect.EntryKey]collect.Entry, len(r.Entries))
	for k, v := range r.Entries {
		c.Entries[k] = v
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (m *memRepo) Create(_ context.Context, r *collect.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = cloneResource(r)
	return nil
}

func (m *memRepo) GetByToken(_ context.Context, token string) (*collect.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.resources {
		if r.Token == token {
			return cloneResource(r), nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*collect.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneResource(r), nil
}

func (m *memRepo) Mutate(_ context.Context, id uuid.UUID, fn repository.MutateFunc) (*collect.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.resources[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	work := cloneResource(stored)
	if _, err := fn(work); err != nil {
		return nil, err
	}
	m.resources[id] = cloneResource(work)
	return work, nil
}

func (m *memRepo) MarkExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, r := range m.resources {
		if r.Status != collect.StatusComplete && r.Status != collect.StatusExpired && now.After(r.ExpiresAt) {
			r.Status = collect.StatusExpired
			count++
		}
	}
	return count, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.CompletionEvent
}

func (n *recordingNotifier) ResourceCompleted(_ context.Context, event notify.CompletionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestCollector(t *testing.T) (*Collector, *memRepo, *recordingNotifier) {
	t.Helper()
	repo := newMemRepo()
	notifier := &recordingNotifier{}
	c := NewCollector(repo, notifier, nil, zap.NewNop(), Options{
		StorageTimeout:  time.Second,
		AttendanceGrace: 2 * time.Hour,
	})
	return c, repo, notifier
}

func createAttendance(t *testing.T, c *Collector) *CreatedResource {
	t.Helper()
	day := time.Now().UTC().Truncate(time.Hour)
	created, err := c.Create(context.Background(), CreateParams{
		Attendance: &AttendanceParams{
			TrainerID:      "t1",
			ParticipantIDs: []string{"p1", "p2"},
			Periods: []PeriodWindow{
				{Name: collect.PeriodMorning, StartsAt: day, EndsAt: day.Add(3 * time.Hour)},
				{Name: collect.PeriodAfternoon, StartsAt: day.Add(5 * time.Hour), EndsAt: day.Add(8 * time.Hour)},
			},
		},
	})
	require.NoError(t, err)
	return created
}

func createSurvey(t *testing.T, c *Collector, fields ...string) *CreatedResource {
	t.Helper()
	section := collect.Section{ID: "s1"}
	for _, f := range fields {
		section.Fields = append(section.Fields, collect.Field{ID: f, Required: true})
	}
	created, err := c.Create(context.Background(), CreateParams{
		Survey: &SurveyParams{
			Sections:  []collect.Section{section},
			ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
		},
	})
	require.NoError(t, err)
	return created
}

func sig(s string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"image": s})
	return raw
}

func TestOpenResolvesTokenWithoutSideEffects(t *testing.T) {
	c, repo, _ := newTestCollector(t)
	created := createAttendance(t, c)

	for i := 0; i < 3; i++ {
		view, err := c.Open(context.Background(), created.Token)
		require.NoError(t, err)
		require.Equal(t, "open", view.Status)
		require.Len(t, view.RequiredKeys, 6)
		require.Empty(t, view.Entries)
	}
	stored, err := repo.GetByToken(context.Background(), created.Token)
	require.NoError(t, err)
	require.Empty(t, stored.Entries)
}

func TestOpenUnknownToken(t *testing.T) {
	c, _, _ := newTestCollector(t)
	_, err := c.Open(context.Background(), "no-such-token")
	require.ErrorIs(t, err, errs.ErrTokenInvalid)

	_, err = c.Open(context.Background(), "")
	require.ErrorIs(t, err, errs.ErrTokenInvalid)
}

// Scenario A: 2 participants × 2 periods + trainer × 2 periods submitted
// in any interleaved order complete exactly once, with exactly one event.
func TestInterleavedSubmissionsCompleteOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		c, _, notifier := newTestCollector(t)
		created := createAttendance(t, c)

		keys := created.Resource.RequiredKeys
		require.Len(t, keys, 6)
		completions := 0
		for _, idx := range rng.Perm(len(keys)) {
			result, err := c.Submit(context.Background(), created.Token, keys[idx], sig(keys[idx]), "")
			require.NoError(t, err)
			require.Equal(t, collect.OutcomeAccepted, result.Outcome)
			if result.Completed {
				completions++
			}
		}
		require.Equal(t, 1, completions)
		require.Equal(t, 1, notifier.count())

		view, err := c.Open(context.Background(), created.Token)
		require.NoError(t, err)
		require.Equal(t, "complete", view.Status)
	}
}

func TestSubmitRetryIsIdempotentAndEmitsNoSecondEvent(t *testing.T) {
	c, _, notifier := newTestCollector(t)
	created := createSurvey(t, c, "q1")

	result, err := c.Submit(context.Background(), created.Token, "field:q1", json.RawMessage(`{"rating":9}`), "a@b.fr")
	require.NoError(t, err)
	require.Equal(t, collect.OutcomeAccepted, result.Outcome)
	require.True(t, result.Completed)

	// network retry with identical payload
	result, err = c.Submit(context.Background(), created.Token, "field:q1", json.RawMessage(`{"rating":9}`), "a@b.fr")
	require.NoError(t, err)
	require.Equal(t, collect.OutcomeAlreadyRecorded, result.Outcome)
	require.False(t, result.Completed)
	require.Equal(t, 1, notifier.count())
}

func TestSubmitConflictOnDoubleSign(t *testing.T) {
	c, _, _ := newTestCollector(t)
	created := createAttendance(t, c)
	key := created.Resource.RequiredKeys[0]

	_, err := c.Submit(context.Background(), created.Token, key, sig("first"), "")
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), created.Token, key, sig("second"), "")
	require.ErrorIs(t, err, errs.ErrEntryConflict)

	view, err := c.Open(context.Background(), created.Token)
	require.NoError(t, err)
	for _, entry := range view.Entries {
		if entry.Key == key {
			require.JSONEq(t, string(sig("first")), string(entry.Value))
		}
	}
}

func TestConcurrentSubmissionsOnDifferentKeys(t *testing.T) {
	c, _, notifier := newTestCollector(t)
	created := createAttendance(t, c)
	keys := created.Resource.RequiredKeys

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, err := c.Submit(context.Background(), created.Token, k, sig(k), "")
			require.NoError(t, err)
		}(key)
	}
	wg.Wait()

	view, err := c.Open(context.Background(), created.Token)
	require.NoError(t, err)
	require.Equal(t, "complete", view.Status)
	require.Len(t, view.Entries, len(keys))
	require.Equal(t, 1, notifier.count())
}

// Scenario B: drafts are merged and promoted by finalize; the last draft
// write wins.
func TestFinalizePromotesPriorDrafts(t *testing.T) {
	c, _, notifier := newTestCollector(t)
	created := createSurvey(t, c, "q1", "q2", "q3")

	_, err := c.SaveDraft(context.Background(), created.Token, map[string]json.RawMessage{
		"field:q1": json.RawMessage(`{"rating":7}`),
	})
	require.NoError(t, err)
	_, err = c.SaveDraft(context.Background(), created.Token, map[string]json.RawMessage{
		"field:q1": json.RawMessage(`{"rating":8}`),
		"field:q2": json.RawMessage(`{"rating":5}`),
	})
	require.NoError(t, err)

	result, err := c.Finalize(context.Background(), created.Token, map[string]json.RawMessage{
		"field:q3": json.RawMessage(`{"rating":9}`),
	}, "a@b.fr")
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, "complete", result.Resource.Status)
	require.Equal(t, 1, notifier.count())

	want := map[string]string{
		"field:q1": `{"rating":8}`,
		"field:q2": `{"rating":5}`,
		"field:q3": `{"rating":9}`,
	}
	for _, entry := range result.Resource.Entries {
		require.False(t, entry.Draft)
		require.JSONEq(t, want[entry.Key], string(entry.Value))
	}
}

func TestFinalizeReportsMissingKeys(t *testing.T) {
	c, _, notifier := newTestCollector(t)
	created := createSurvey(t, c, "q1", "q2", "q3")

	_, err := c.SaveDraft(context.Background(), created.Token, map[string]json.RawMessage{
		"field:q1": json.RawMessage(`{"rating":7}`),
	})
	require.NoError(t, err)

	_, err = c.Finalize(context.Background(), created.Token, nil, "")
	var missing *collect.MissingKeysError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []collect.EntryKey{collect.FieldKey("q2"), collect.FieldKey("q3")}, missing.Keys)
	require.Equal(t, 0, notifier.count())

	// the failed finalize left the draft in place
	view, err := c.Open(context.Background(), created.Token)
	require.NoError(t, err)
	require.Equal(t, "partial", view.Status)
}

func TestFinalizeRetryAfterCompleteIsIdempotent(t *testing.T) {
	c, _, notifier := newTestCollector(t)
	created := createSurvey(t, c, "q1")
	values := map[string]json.RawMessage{"field:q1": json.RawMessage(`{"rating":9}`)}

	result, err := c.Finalize(context.Background(), created.Token, values, "")
	require.NoError(t, err)
	require.True(t, result.Completed)

	result, err = c.Finalize(context.Background(), created.Token, values, "")
	require.NoError(t, err)
	require.False(t, result.Completed)
	require.Equal(t, "complete", result.Resource.Status)
	require.Equal(t, 1, notifier.count())
}

func TestSaveDraftRejectedOnCompleteResource(t *testing.T) {
	c, _, _ := newTestCollector(t)
	created := createSurvey(t, c, "q1")

	_, err := c.Submit(context.Background(), created.Token, "field:q1", json.RawMessage(`{"rating":9}`), "")
	require.NoError(t, err)

	_, err = c.SaveDraft(context.Background(), created.Token, map[string]json.RawMessage{
		"field:q1": json.RawMessage(`{"rating":1}`),
	})
	require.ErrorIs(t, err, errs.ErrResourceComplete)
}

func TestSaveDraftSkipsFinalKeysOnPartialResource(t *testing.T) {
	c, _, _ := newTestCollector(t)
	created := createSurvey(t, c, "q1", "q2")

	_, err := c.Submit(context.Background(), created.Token, "field:q1", json.RawMessage(`{"rating":9}`), "")
	require.NoError(t, err)

	result, err := c.SaveDraft(context.Background(), created.Token, map[string]json.RawMessage{
		"field:q1": json.RawMessage(`{"rating":1}`),
		"field:q2": json.RawMessage(`{"rating":4}`),
	})
	require.NoError(t, err)
	require.Equal(t, collect.OutcomeSkippedFinal, result.Outcomes["field:q1"])
	require.Equal(t, collect.OutcomeAccepted, result.Outcomes["field:q2"])

	for _, entry := range result.Resource.Entries {
		if entry.Key == "field:q1" {
			require.False(t, entry.Draft)
			require.JSONEq(t, `{"rating":9}`, string(entry.Value))
		}
	}
}

// Scenario C: an expired token refuses every mutation and the normal open,
// while the receipt path stays readable.
func TestExpiredTokenBlocksMutationButNotReceipt(t *testing.T) {
	c, repo, _ := newTestCollector(t)
	created := createSurvey(t, c, "q1")

	res, err := repo.GetByToken(context.Background(), created.Token)
	require.NoError(t, err)
	res.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	repo.resources[res.ID] = res

	_, err = c.Open(context.Background(), created.Token)
	require.ErrorIs(t, err, errs.ErrTokenExpired)
	_, err = c.Submit(context.Background(), created.Token, "field:q1", json.RawMessage(`{"rating":9}`), "")
	require.ErrorIs(t, err, errs.ErrTokenExpired)
	_, err = c.SaveDraft(context.Background(), created.Token, map[string]json.RawMessage{
		"field:q1": json.RawMessage(`{"rating":9}`),
	})
	require.ErrorIs(t, err, errs.ErrTokenExpired)
	_, err = c.Finalize(context.Background(), created.Token, nil, "")
	require.ErrorIs(t, err, errs.ErrTokenExpired)

	view, err := c.Receipt(context.Background(), created.Token)
	require.NoError(t, err)
	require.Equal(t, "expired", view.Status)
}

func TestExpiredCompleteResourceStaysReadable(t *testing.T) {
	c, repo, _ := newTestCollector(t)
	created := createSurvey(t, c, "q1")

	_, err := c.Submit(context.Background(), created.Token, "field:q1", json.RawMessage(`{"rating":9}`), "")
	require.NoError(t, err)

	res, err := repo.GetByToken(context.Background(), created.Token)
	require.NoError(t, err)
	res.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	repo.resources[res.ID] = res

	_, err = c.Open(context.Background(), created.Token)
	require.ErrorIs(t, err, errs.ErrTokenExpired)

	view, err := c.Receipt(context.Background(), created.Token)
	require.NoError(t, err)
	require.Equal(t, "complete", view.Status)
	require.Len(t, view.Entries, 1)
}

func TestSubmitUnknownKey(t *testing.T) {
	c, _, _ := newTestCollector(t)
	created := createSurvey(t, c, "q1")

	_, err := c.Submit(context.Background(), created.Token, "field:q9", json.RawMessage(`{"rating":9}`), "")
	require.ErrorIs(t, err, errs.ErrUnknownKey)

	_, err = c.Submit(context.Background(), created.Token, "garbage", json.RawMessage(`{"rating":9}`), "")
	require.ErrorIs(t, err, errs.ErrUnknownKey)
}

func TestExtendAppendsKeysAndReopens(t *testing.T) {
	c, _, _ := newTestCollector(t)
	created := createSurvey(t, c, "q1")
	id, err := uuid.Parse(created.Resource.ID)
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), created.Token, "field:q1", json.RawMessage(`{"rating":9}`), "")
	require.NoError(t, err)

	added, view, err := c.Extend(context.Background(), id, []string{"field:q2"})
	require.NoError(t, err)
	require.Equal(t, []string{"field:q2"}, added)
	require.Equal(t, "partial", view.Status)

	_, err = c.Submit(context.Background(), created.Token, "field:q2", json.RawMessage(`{"rating":4}`), "")
	require.NoError(t, err)
	got, err := c.Open(context.Background(), created.Token)
	require.NoError(t, err)
	require.Equal(t, "complete", got.Status)
}

func TestCreateValidation(t *testing.T) {
	c, _, _ := newTestCollector(t)

	_, err := c.Create(context.Background(), CreateParams{})
	require.Error(t, err)

	_, err = c.Create(context.Background(), CreateParams{
		Attendance: &AttendanceParams{TrainerID: "t1", ParticipantIDs: []string{"p1"}},
	})
	require.Error(t, err)

	_, err = c.Create(context.Background(), CreateParams{
		Survey: &SurveyParams{Sections: []collect.Section{{ID: "s1"}}, ExpiresAt: time.Now().Add(time.Hour)},
	})
	require.Error(t, err)
}

func TestAttendanceExpiryDerivedFromSchedule(t *testing.T) {
	c, _, _ := newTestCollector(t)
	created := createAttendance(t, c)

	view, err := c.Open(context.Background(), created.Token)
	require.NoError(t, err)
	// last period ends day+8h, grace is 2h
	require.True(t, view.ExpiresAt.After(time.Now().UTC().Add(9*time.Hour)))
}
