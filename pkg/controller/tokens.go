package controller

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// randomToken mirrors the teacher's manager/token.go GenerateToken: a
// crypto/rand byte buffer hex-encoded. Unlike the teacher's TokenManager,
// tokens here are not tracked in an in-memory map — they are stored on
// the Build/Worker row itself and rotate through the FSM, so expiry and
// revocation are just ordinary field updates rather than a second data
// structure to keep in sync.
func randomToken(byteLen int) (string, error) {
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// newAccessToken produces the 32-char worker access token (16 random
// bytes hex-encoded to 32 chars), per SPEC_FULL.md's worker token shape.
func newAccessToken() (string, error) {
	return randomToken(16)
}

// newBuildToken produces the build submitter's per-submitter secret.
// SPEC_FULL.md requires at least 256 bits of entropy here, twice the
// worker token's, since it is the only credential standing between an
// anonymous submitter and their own build for the life of the job.
func newBuildToken() (string, error) {
	return randomToken(32)
}

// newOTP produces the one-time code a worker embeds in a build's job
// envelope for the in-VM runner to exchange for a vm_token.
func newOTP() (string, error) {
	return randomToken(12)
}

// newVMToken produces the token minted in exchange for a valid OTP.
func newVMToken() (string, error) {
	return randomToken(16)
}

// newID produces a server-generated entity identifier safe to use as a
// blobstore path component. Uses a random (v4) UUID rather than the raw
// hex tokens above, since these identifiers are externally visible
// (returned in API responses, used as path segments) rather than secret.
func newID(prefix string) (string, error) {
	return prefix + "-" + uuid.NewString(), nil
}
