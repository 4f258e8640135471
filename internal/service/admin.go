package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"formapilot/collecte/internal/collect"
	"formapilot/collecte/internal/errs"
)

// PeriodWindow is one scheduled half-day of a training day. A period the
// day does not schedule is simply absent from the create request.
type PeriodWindow struct {
	Name     collect.Period
	StartsAt time.Time
	EndsAt   time.Time
}

// AttendanceParams describes an attendance sheet to open: the roster and
// the day's scheduled periods, as enumerated by the management
// application.
type AttendanceParams struct {
	TrainerID      string
	ParticipantIDs []string
	Periods        []PeriodWindow
}

// SurveyParams describes an evaluation survey to open.
type SurveyParams struct {
	Sections  []collect.Section
	ExpiresAt time.Time
}

// CreateParams selects the resource variant to open.
type CreateParams struct {
	Attendance *AttendanceParams
	Survey     *SurveyParams
}

// CreatedResource carries the minted token back to the caller; the token
// is returned exactly once, at creation.
type CreatedResource struct {
	Token    string
	Resource *ResourceView
}

var errInvalidCreate = errors.New("create: exactly one of attendance or survey must be set")

// Create opens a resource: freezes the required key set from the
// submitted shape, mints its access token and computes its expiry window.
// Attendance sheets expire at the end of the last scheduled period plus
// the configured grace; surveys carry an explicit deadline.
func (c *Collector) Create(ctx context.Context, params CreateParams) (*CreatedResource, error) {
	var (
		shape     collect.Shape
		expiresAt time.Time
	)
	switch {
	case params.Attendance != nil && params.Survey == nil:
		att := params.Attendance
		if len(att.Periods) == 0 {
			return nil, errors.New("create attendance: no scheduled periods")
		}
		periods := make([]collect.Period, 0, len(att.Periods))
		for _, p := range att.Periods {
			if p.Name != collect.PeriodMorning && p.Name != collect.PeriodAfternoon {
				return nil, errors.New("create attendance: unknown period")
			}
			if !p.EndsAt.After(p.StartsAt) {
				return nil, errors.New("create attendance: period window is empty")
			}
			periods = append(periods, p.Name)
			if p.EndsAt.After(expiresAt) {
				expiresAt = p.EndsAt
			}
		}
		expiresAt = expiresAt.Add(c.opts.AttendanceGrace)
		shape = collect.AttendanceShape{
			TrainerID:      att.TrainerID,
			ParticipantIDs: att.ParticipantIDs,
			Periods:        periods,
		}
	case params.Survey != nil && params.Attendance == nil:
		if params.Survey.ExpiresAt.IsZero() {
			return nil, errors.New("create survey: missing expiry")
		}
		expiresAt = params.Survey.ExpiresAt
		shape = collect.SurveyShape{Sections: params.Survey.Sections}
	default:
		return nil, errInvalidCreate
	}
	if len(shape.RequiredKeys()) == 0 {
		return nil, errors.New("create: shape enumerates no required entries")
	}

	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	res := collect.NewResource(uuid.New(), token, shape, expiresAt, c.now())

	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.repo.Create(ctx, res); err != nil {
		return nil, c.storageErr(err)
	}
	return &CreatedResource{Token: token, Resource: makeView(res)}, nil
}

// Extend appends required keys to an already-open resource and returns the
// keys actually added. This is the audited path for late roster or
// question-set changes; nothing ever grows the required set silently.
func (c *Collector) Extend(ctx context.Context, id uuid.UUID, keyTexts []string) ([]string, *ResourceView, error) {
	keys, err := collect.ParseEntryKeys(keyTexts)
	if err != nil {
		return nil, nil, fmt.Errorf("%v: %w", err, errs.ErrUnknownKey)
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var added []collect.EntryKey
	res, err := c.repo.Mutate(ctx, id, func(r *collect.Resource) ([]collect.EntryKey, error) {
		added = r.Extend(keys, c.now())
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrResourceGone) || errors.Is(err, errs.ErrNotFound) {
			return nil, nil, errs.ErrNotFound
		}
		return nil, nil, c.storageErr(err)
	}
	return collect.KeyStrings(added), makeView(res), nil
}

// Get loads a resource by id for the admin/audit surface.
func (c *Collector) Get(ctx context.Context, id uuid.UUID) (*ResourceView, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	res, err := c.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, c.storageErr(err)
	}
	return makeView(res), nil
}
