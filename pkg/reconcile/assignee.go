package reconcile

import (
	"context"
	"errors"

	"github.com/harrisonrobin/larksync/pkg/model"
	"github.com/harrisonrobin/larksync/pkg/store"
)

// AssigneeResolver maps a remote user id to a local user id. A nil id means
// the assignee stays unset.
type AssigneeResolver interface {
	ResolveAssignee(ctx context.Context, externalID string) (*int64, error)
}

// UserLookup finds the local user linked to a remote user id.
type UserLookup interface {
	UserByExternalID(ctx context.Context, externalID string) (*model.User, error)
}

// LinkResolver resolves assignees through the explicit user link table.
// Unlinked users fall back to FallbackUserID when it is set.
type LinkResolver struct {
	Users          UserLookup
	FallbackUserID int64
}

func (r *LinkResolver) ResolveAssignee(ctx context.Context, externalID string) (*int64, error) {
	u, err := r.Users.UserByExternalID(ctx, externalID)
	if err == nil {
		return &u.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return r.fallback(), err
	}
	return r.fallback(), nil
}

func (r *LinkResolver) fallback() *int64 {
	if r.FallbackUserID <= 0 {
		return nil
	}
	id := r.FallbackUserID
	return &id
}

type noAssignee struct{}

func (noAssignee) ResolveAssignee(context.Context, string) (*int64, error) { return nil, nil }
