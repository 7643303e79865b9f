// Package directory resolves people: employee type and reporting chain.
// The production backend is a read-only SQL mirror of the corporate
// directory; tests use the static implementation.
package directory

import (
	"context"
	"errors"
	"fmt"

	"registrar/internal/models"
)

// ErrUnavailable means the directory backend could not be reached.
// Rules degrade online and fail loudly offline; it is never a silent
// pass.
var ErrUnavailable = errors.New("directory: unavailable")

// ErrNotFound means the backend answered but has no record for the
// user. Rules treat it as a definitive denial.
var ErrNotFound = errors.New("directory: user not found")

type UserInfo struct {
	Email        string
	Name         string
	EmployeeType models.EmployeeType
	ManagerEmail string
}

type Service interface {
	Lookup(ctx context.Context, email string) (UserInfo, error)
}

// Static is a fixed in-memory directory.
type Static struct {
	Users map[string]UserInfo
}

func (s *Static) Lookup(_ context.Context, email string) (UserInfo, error) {
	u, ok := s.Users[email]
	if !ok {
		return UserInfo{}, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	return u, nil
}
