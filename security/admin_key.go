package security

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/pocketbase/pocketbase/core"
)

const AdminKeyHeader = "X-Admin-Key"

// RequireAdminKey rejects requests whose X-Admin-Key does not match the
// bcrypt hash. An empty hash disables the admin routes.
func RequireAdminKey(hash string) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		key := e.Request.Header.Get(AdminKeyHeader)
		if hash == "" || key == "" {
			return e.UnauthorizedError("Admin key required", nil)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
			return e.ForbiddenError("Invalid admin key", nil)
		}
		return e.Next()
	}
}
