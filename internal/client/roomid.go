package client

import (
	"encoding/base64"

	"github.com/google/uuid"
)

const roomIDLength = 21

// NewRoomID returns a random URL-safe room id
func NewRoomID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])[:roomIDLength]
}
