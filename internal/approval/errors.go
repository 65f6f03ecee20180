package approval

import (
	"errors"
	"fmt"

	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

var (
	// ErrNotFound means the recommendation id is unknown.
	ErrNotFound = errors.New("recommendation not found")

	// ErrNotPending means the recommendation was already resolved.
	ErrNotPending = errors.New("recommendation is not pending")

	// ErrInvalidAction means the approval action itself is malformed.
	ErrInvalidAction = errors.New("invalid approval action")
)

// AuthorityError is returned when the approver's role is below the
// recommendation's approval threshold.
type AuthorityError struct {
	Required pricing.Role
	Actual   pricing.Role
}

func (e *AuthorityError) Error() string {
	return fmt.Sprintf("insufficient approval authority: requires %s, approver is %s", e.Required, e.Actual)
}
