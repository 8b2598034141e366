package httpapi

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// requireAuth enforces HTTP basic auth against the configured user and
// bcrypt password hash. With no hash configured the check is skipped; the
// daemon is then expected to listen on loopback only.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.PasswordHash) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || !s.credentialsValid(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="playpace"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) credentialsValid(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.User)) == 1
	passOK := bcrypt.CompareHashAndPassword(s.cfg.PasswordHash, []byte(pass)) == nil
	return userOK && passOK
}

// HashPassword produces a bcrypt hash suitable for Config.PasswordHash.
// Used by the CLI when provisioning credentials.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}
