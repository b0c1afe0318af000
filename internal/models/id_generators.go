package models

import (
	"github.com/oklog/ulid/v2"
)

// ULIDGenerator creates the IDs of refresh cycles and pending requests. IDs sort in the
// order they were generated, also within the same millisecond, so log lines can be ordered by ID.
type ULIDGenerator struct{}

func (ULIDGenerator) ID() (string, error) {
	id, err := ulid.New(ulid.Now(), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
