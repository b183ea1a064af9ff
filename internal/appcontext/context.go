package appcontext

import (
	"context"
)

type USER_CONTEXT string

var (
	// UserKey carries the authenticated user id of the request through the
	// call chain down to the engine boundary.
	UserKey USER_CONTEXT = "userId"
)

func WithUser(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, UserKey, userId)
}

func GetUser(ctx context.Context) (string, bool) {
	userId := ctx.Value(UserKey)
	if userId == nil {
		return "", false
	}
	return userId.(string), true
}
