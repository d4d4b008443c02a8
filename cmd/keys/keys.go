// Package keys holds the credential helpers: a secretbox key for the bridge secret and
// bcrypt hashes for operator tokens.
package keys

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"stopguard/src/auth"
	"stopguard/src/security"
)

// GenerateKey prints a fresh BRIDGE_CREDENTIALS_KEY value.
func GenerateKey(out io.Writer) error {
	key, err := security.GenerateKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "BRIDGE_CREDENTIALS_KEY=%s\n", key)
	return err
}

// EncryptSecret encrypts the bridge API secret with BRIDGE_CREDENTIALS_KEY.
func EncryptSecret(out io.Writer, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("secret is empty")
	}
	enc, err := security.EncryptString(secret)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "BRIDGE_API_SECRET=%s\nBRIDGE_SECRET_ENCRYPTED=true\n", enc)
	return err
}

// HashToken prints an OPS_OPERATOR_TOKENS entry for name.
func HashToken(out io.Writer, name, token string) error {
	if name == "" || strings.ContainsAny(name, ":,") {
		return fmt.Errorf("operator name %q must be non-empty and free of ':' and ','", name)
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s:%s\n", name, hash)
	return err
}
