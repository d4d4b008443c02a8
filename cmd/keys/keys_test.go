package keys

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"stopguard/src/security"
)

func TestEncryptSecretRoundTrip(t *testing.T) {
	var keyOut bytes.Buffer
	require.NoError(t, GenerateKey(&keyOut))
	key := strings.TrimPrefix(strings.TrimSpace(keyOut.String()), "BRIDGE_CREDENTIALS_KEY=")
	t.Setenv("BRIDGE_CREDENTIALS_KEY", key)

	var out bytes.Buffer
	require.NoError(t, EncryptSecret(&out, "  s3cret \n"))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "BRIDGE_SECRET_ENCRYPTED=true", lines[1])

	plain, err := security.DecryptString(strings.TrimPrefix(lines[0], "BRIDGE_API_SECRET="))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)

	assert.Error(t, EncryptSecret(&out, "   "))
}

func TestEncryptSecretWithoutKey(t *testing.T) {
	t.Setenv("BRIDGE_CREDENTIALS_KEY", "")
	var out bytes.Buffer
	assert.ErrorIs(t, EncryptSecret(&out, "s3cret"), security.ErrMissingKey)
}

func TestHashToken(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, HashToken(&out, "alice", "tok-1"))

	name, hash, ok := strings.Cut(strings.TrimSpace(out.String()), ":")
	require.True(t, ok)
	assert.Equal(t, "alice", name)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("tok-1")))

	assert.Error(t, HashToken(&out, "a:b", "tok"))
	assert.Error(t, HashToken(&out, "", "tok"))
	assert.Error(t, HashToken(&out, "bob", ""))
}
