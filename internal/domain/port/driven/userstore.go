package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
)

// ErrDuplicateUser is returned by UserStore.Create when the username is taken.
var ErrDuplicateUser = errors.New("username already exists")

// UserStore defines the driven port for application user persistence.
type UserStore interface {
	// Create inserts the user and returns it with ID and CreatedAt populated.
	Create(ctx context.Context, user model.User) (model.User, error)
	// GetByUsername returns nil, nil when no such user exists.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// GetByID returns nil, nil when no such user exists.
	GetByID(ctx context.Context, id int64) (*model.User, error)
}
