package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/kelseyhightower/envconfig"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	// OperatorTokens maps operator names to bcrypt hashes of their bearer tokens,
	// e.g. OPS_OPERATOR_TOKENS="alice:$2a$10$...,bob:$2a$10$..."
	OperatorTokens map[string]string `envconfig:"OPS_OPERATOR_TOKENS"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// HashToken returns the bcrypt hash to put in OPS_OPERATOR_TOKENS.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RequireOperator authenticates "Authorization: Bearer <token>" against the configured
// hashes and stores the matching Operator in the request context.
// With no operators configured every request is refused.
func RequireOperator(hashes map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(hashes) == 0 {
				logger.WithField("path", r.URL.Path).Warn("Mutating ops route called with no operators configured")
				http.Error(w, "operator auth not configured", http.StatusServiceUnavailable)
				return
			}

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			for name, hash := range hashes {
				if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
					next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), &Operator{Name: name})))
					return
				}
			}

			logger.WithField("path", r.URL.Path).Warn("Rejected ops request with unknown token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}
