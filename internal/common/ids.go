package common

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a lexicographically sortable id used as the primary key
// for generation requests.
func NewULID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewCorrelationID returns a random correlation id for submissions that did
// not supply their own.
func NewCorrelationID() string {
	return uuid.NewString()
}
