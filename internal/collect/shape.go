package collect

// Shape enumerates the required entries of a resource at creation time.
// Each resource kind brings its own variant; the engine only ever sees the
// enumerated key set.
type Shape interface {
	Kind() Kind
	RequiredKeys() []EntryKey
}

// AttendanceShape derives required keys from a session roster and the
// day's configured periods. A period with no scheduled times is simply not
// in Periods: it contributes no keys at all, it is not an unsigned slot.
type AttendanceShape struct {
	TrainerID      string
	ParticipantIDs []string
	Periods        []Period
}

func (s AttendanceShape) Kind() Kind { return KindAttendance }

func (s AttendanceShape) RequiredKeys() []EntryKey {
	keys := make([]EntryKey, 0, (len(s.ParticipantIDs)+1)*len(s.Periods))
	for _, id := range s.ParticipantIDs {
		for _, p := range s.Periods {
			keys = append(keys, AttendanceKey(RoleParticipant, id, p))
		}
	}
	if s.TrainerID != "" {
		for _, p := range s.Periods {
			keys = append(keys, AttendanceKey(RoleTrainer, s.TrainerID, p))
		}
	}
	return keys
}

// SurveyShape derives required keys from the active question catalog.
// Sections exist for UI pagination and progress grouping only; completion
// depends on the union of required fields, never on section boundaries.
type SurveyShape struct {
	Sections []Section
}

// Section groups question fields for client-side pagination.
type Section struct {
	ID     string
	Fields []Field
}

// Field is one question of a survey.
type Field struct {
	ID       string
	Required bool
}

func (s SurveyShape) Kind() Kind { return KindSurvey }

func (s SurveyShape) RequiredKeys() []EntryKey {
	var keys []EntryKey
	for _, sec := range s.Sections {
		for _, f := range sec.Fields {
			if f.Required {
				keys = append(keys, FieldKey(f.ID))
			}
		}
	}
	return keys
}
