package membership

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tenantcore.org/internal/fault"
)

// Invitation tokens are tcinv_<prefix>_<secret>. The prefix is stored in
// clear for lookup; only a bcrypt hash of the secret is kept at rest.
const tokenScheme = "tcinv"

func newInvitationToken() (plaintext, prefix, hash string, err error) {
	prefix, err = randomHex(4)
	if err != nil {
		return "", "", "", err
	}
	secret, err := randomHex(16)
	if err != nil {
		return "", "", "", err
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fault.Wrap(fault.Internal, err, "hash invitation token")
	}
	return tokenScheme + "_" + prefix + "_" + secret, prefix, string(digest), nil
}

func splitInvitationToken(token string) (prefix, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(token), "_")
	if len(parts) != 3 || parts[0] != tokenScheme || parts[1] == "" || parts[2] == "" {
		return "", "", fault.New(fault.InvalidArgument, "malformed invitation token")
	}
	return parts[1], parts[2], nil
}

func matchesTokenHash(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fault.Wrap(fault.Internal, err, "read random bytes")
	}
	return hex.EncodeToString(buf), nil
}
