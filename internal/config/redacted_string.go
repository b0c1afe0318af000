package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// RedactedString holds secrets such as client secrets, encryption keys and the admin key.
// Printing, logging or marshalling it only reveals its length.
type RedactedString string

func (r RedactedString) String() string {
	return fmt.Sprintf("<redacted-%d-chars>", len(r))
}

func (r RedactedString) LogValue() slog.Value {
	return slog.StringValue(r.String())
}

func (r RedactedString) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r RedactedString) MarshalBinary() ([]byte, error) {
	return r.MarshalText()
}

func (r RedactedString) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}
