package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// MarkerPrefix starts every result marker. The random tail is what makes a
// marker unguessable; the prefix only makes it recognisable in logs.
const MarkerPrefix = "__SAFE_EVAL_"

// NewMarker returns a fresh marker built from 32 random bytes.
func NewMarker() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating marker: %w", err)
	}
	return MarkerPrefix + hex.EncodeToString(b), nil
}

// NewSessionID returns a collision-free session identifier usable as a
// container name, image name, and directory name.
func NewSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return SessionPrefix + id.String(), nil
}
