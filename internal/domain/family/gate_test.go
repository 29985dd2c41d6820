package family

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iaiaz/mifa-credits/internal/apperr"
)

func TestModeForAge(t *testing.T) {
	cases := []struct {
		age  int
		mode Mode
		err  bool
	}{
		{11, "", true},
		{12, ModeGuided, false},
		{14, ModeGuided, false},
		{15, ModeTrusted, false},
		{17, ModeTrusted, false},
		{18, ModeAdult, false},
		{64, ModeAdult, false},
		{120, ModeAdult, false},
		{121, "", true},
	}
	for _, c := range cases {
		mode, err := ModeForAge(c.age)
		if c.err {
			assert.ErrorIs(t, err, apperr.ErrValidation, "age %d", c.age)
			continue
		}
		require.NoError(t, err, "age %d", c.age)
		assert.Equal(t, c.mode, mode, "age %d", c.age)
	}
}

func guidedRecord() *Record {
	return &Record{
		UserID:        "kid-1",
		Mode:          ModeGuided,
		QuietStartMin: 22 * 60, // 22:00
		QuietEndMin:   7 * 60,  // 07:00
		DailyLimit:    2.50,
	}
}

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 10, hour, min, 0, 0, time.UTC)
}

func precondition(t *testing.T, err error) *apperr.PreconditionError {
	t.Helper()
	var pe *apperr.PreconditionError
	require.True(t, errors.As(err, &pe), "want PreconditionError, got %v", err)
	return pe
}

func TestGateQuietHours(t *testing.T) {
	rec := guidedRecord()

	err := Evaluate(rec, 0, false, at(23, 0))
	pe := precondition(t, err)
	assert.Equal(t, apperr.ReasonQuietHours, pe.Reason)
	assert.Contains(t, pe.Detail, "07:00")
	require.NotNil(t, pe.ResumeAt)
	assert.Equal(t, at(7, 0).AddDate(0, 0, 1), *pe.ResumeAt)

	// Early morning, still inside the window that crosses midnight.
	err = Evaluate(rec, 0, false, at(6, 30))
	pe = precondition(t, err)
	assert.Equal(t, apperr.ReasonQuietHours, pe.Reason)
	assert.Equal(t, at(7, 0), *pe.ResumeAt)

	// Boundary: the end minute itself is outside the window.
	assert.NoError(t, Evaluate(rec, 0, false, at(7, 0)))
	// Start minute is inside.
	pe = precondition(t, Evaluate(rec, 0, false, at(22, 0)))
	assert.Equal(t, apperr.ReasonQuietHours, pe.Reason)
}

func TestGateDailyLimit(t *testing.T) {
	rec := guidedRecord()

	err := Evaluate(rec, 2.50, false, at(12, 0))
	pe := precondition(t, err)
	assert.Equal(t, apperr.ReasonDailyLimit, pe.Reason)

	assert.NoError(t, Evaluate(rec, 2.49, true, at(12, 0)))
}

func TestGateTrialExpired(t *testing.T) {
	rec := guidedRecord()
	expired := at(0, 0).AddDate(0, 0, -1)
	rec.TrialExpiresAt = &expired

	err := Evaluate(rec, 0, false, at(12, 0))
	pe := precondition(t, err)
	assert.Equal(t, apperr.ReasonTrialExpired, pe.Reason)

	// An active subscription lifts the trial condition.
	assert.NoError(t, Evaluate(rec, 0, true, at(12, 0)))
}

// Multiple conditions true at once: first-match order, quiet hours wins.
func TestGatePrecedence(t *testing.T) {
	rec := guidedRecord()
	expired := at(0, 0).AddDate(0, 0, -1)
	rec.TrialExpiresAt = &expired

	err := Evaluate(rec, 99, false, at(23, 30))
	pe := precondition(t, err)
	assert.Equal(t, apperr.ReasonQuietHours, pe.Reason)

	// Outside quiet hours: daily limit before trial.
	err = Evaluate(rec, 99, false, at(12, 0))
	pe = precondition(t, err)
	assert.Equal(t, apperr.ReasonDailyLimit, pe.Reason)
}

func TestGateAllowedCases(t *testing.T) {
	// No record at all: not a supervised account.
	assert.NoError(t, Evaluate(nil, 99, false, at(23, 0)))

	// Adult mode skips every check.
	adult := guidedRecord()
	adult.Mode = ModeAdult
	assert.NoError(t, Evaluate(adult, 99, false, at(23, 0)))

	// Quiet hours disabled when start == end.
	rec := guidedRecord()
	rec.QuietStartMin, rec.QuietEndMin = 0, 0
	assert.NoError(t, Evaluate(rec, 0, false, at(23, 0)))

	// No daily cap when limit is zero.
	rec = guidedRecord()
	rec.DailyLimit = 0
	assert.NoError(t, Evaluate(rec, 99, false, at(12, 0)))
}
