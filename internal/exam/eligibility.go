package exam

import (
	"time"

	"cbtattempt/internal/catalog"
)

// CheckEligibility guards start and resume. Checks run in a fixed order so the
// caller always sees the most fundamental failure first.
func CheckEligibility(test *catalog.Test, studentID int64, now time.Time) error {
	if !test.Visible() {
		return ErrTestNotFound
	}
	if !test.IsActive {
		return ErrTestNotActive
	}
	if test.StartAt != nil && now.Before(*test.StartAt) {
		return ErrOutOfWindow
	}
	if test.EndAt != nil && now.After(*test.EndAt) {
		return ErrOutOfWindow
	}
	if !test.AllowsStudent(studentID) {
		return ErrNotOnRoster
	}
	return nil
}
