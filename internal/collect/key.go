package collect

import (
	"fmt"
	"strings"
)

// SignerRole identifies who signs an attendance period.
type SignerRole string

const (
	RoleParticipant SignerRole = "participant"
	RoleTrainer     SignerRole = "trainer"
)

// Period is one collectible half-day slot of an attendance sheet.
type Period string

const (
	PeriodMorning   Period = "morning"
	PeriodAfternoon Period = "afternoon"
)

// EntryKey is the composite identity of one collectible unit. Attendance
// keys carry role, signer and period; survey keys carry only the field id.
// Keys are immutable for the life of a resource and are never renumbered.
type EntryKey struct {
	Role     SignerRole
	SignerID string
	Period   Period
	FieldID  string
}

// AttendanceKey builds a signer × period key.
func AttendanceKey(role SignerRole, signerID string, period Period) EntryKey {
	return EntryKey{Role: role, SignerID: signerID, Period: period}
}

// FieldKey builds a survey question-field key.
func FieldKey(fieldID string) EntryKey {
	return EntryKey{FieldID: fieldID}
}

func (k EntryKey) String() string {
	if k.FieldID != "" {
		return "field:" + k.FieldID
	}
	return string(k.Role) + ":" + k.SignerID + ":" + string(k.Period)
}

func (k EntryKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EntryKey) UnmarshalText(text []byte) error {
	parsed, err := ParseEntryKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseEntryKey parses the wire/storage form of a key:
// "participant:<id>:morning", "trainer:<id>:afternoon" or "field:<id>".
func ParseEntryKey(text string) (EntryKey, error) {
	parts := strings.Split(text, ":")
	switch {
	case len(parts) == 2 && parts[0] == "field":
		if parts[1] == "" {
			return EntryKey{}, fmt.Errorf("entry key %q: empty field id", text)
		}
		return FieldKey(parts[1]), nil
	case len(parts) == 3:
		role := SignerRole(parts[0])
		if role != RoleParticipant && role != RoleTrainer {
			return EntryKey{}, fmt.Errorf("entry key %q: unknown role", text)
		}
		if parts[1] == "" {
			return EntryKey{}, fmt.Errorf("entry key %q: empty signer id", text)
		}
		period := Period(parts[2])
		if period != PeriodMorning && period != PeriodAfternoon {
			return EntryKey{}, fmt.Errorf("entry key %q: unknown period", text)
		}
		return AttendanceKey(role, parts[1], period), nil
	default:
		return EntryKey{}, fmt.Errorf("entry key %q: malformed", text)
	}
}

// KeyStrings renders keys in their wire form, preserving order.
func KeyStrings(keys []EntryKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}

// ParseEntryKeys parses a list of wire-form keys.
func ParseEntryKeys(texts []string) ([]EntryKey, error) {
	out := make([]EntryKey, 0, len(texts))
	for _, t := range texts {
		k, err := ParseEntryKey(t)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}
