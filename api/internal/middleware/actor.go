package middleware

import (
	"net/http"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/api/internal/repos"
	"github.com/wolfhound389/Regparkovka/shared/actorx"
	"github.com/wolfhound389/Regparkovka/shared/authx"
	"github.com/wolfhound389/Regparkovka/shared/httpx"
)

// ActorMiddleware resolves the verified token subject to the users row and
// stashes it on the context. First login upserts the user, seeding the role
// from token roles when one maps onto a yard role. The subject-to-user memo
// is short-lived; shift and role writes call Forget to drop it early.
type ActorMiddleware struct {
	Users *repos.UsersRepo
	Cache *cache.Cache
	TTL   time.Duration
	Skip  func(*http.Request) bool
}

func (m ActorMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing authentication", nil)
			return
		}
		if m.Users == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "user repository not configured", nil)
			return
		}

		user, ok := m.cachedUser(auth.Subject)
		if !ok {
			var err error
			user, err = m.Users.UpsertFromOIDC(r.Context(), auth.Subject, auth.Email, auth.Name, seedRole(auth.Roles))
			if err != nil {
				httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to resolve user", nil)
				return
			}
			m.remember(auth.Subject, user)
		}

		ctx := actorx.WithActor(r.Context(), actorx.ActorContext{
			ID:      user.UserID,
			Subject: user.Subject,
			Role:    user.Role,
			Name:    user.DisplayName,
			OnShift: user.OnShift,
			OnBreak: user.OnBreak,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Forget drops a subject from the memo after a role or shift write.
func (m ActorMiddleware) Forget(subject string) {
	if m.Cache != nil {
		m.Cache.Delete(subject)
	}
}

func (m ActorMiddleware) cachedUser(subject string) (models.User, bool) {
	if m.Cache == nil {
		return models.User{}, false
	}
	if v, found := m.Cache.Get(subject); found {
		if user, ok := v.(models.User); ok {
			return user, true
		}
	}
	return models.User{}, false
}

func (m ActorMiddleware) remember(subject string, user models.User) {
	if m.Cache == nil {
		return
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	m.Cache.Set(subject, user, ttl)
}

func seedRole(roles []string) string {
	for _, role := range roles {
		if models.ValidRole(role) {
			return role
		}
	}
	return models.RoleDriver
}
