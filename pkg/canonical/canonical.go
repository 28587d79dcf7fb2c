// Package canonical produces the stable byte encoding of rows and the
// SHA-256 content hashes recorded in node states, rows and artifacts.
//
// Objects are encoded with sorted keys and without HTML escaping, so two
// rows with equal content always hash identically regardless of insertion
// order. Non-finite floats cannot be encoded and are reported as errors.
package canonical

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
)

// Marshal returns the canonical JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	data, err := json.MarshalWithOption(v, json.DisableHTMLEscape())
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	return data, nil
}

// Unmarshal decodes JSON produced by Marshal or by any JSON writer.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("canonical decoding failed: %w", err)
	}
	return nil
}

// Hash returns the hex SHA-256 of v's canonical encoding.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// HashBytes returns the hex SHA-256 of raw content.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashParts hashes an ordered list of values. Each part is length-prefixed
// so that adjacent parts cannot be confused with one another.
func HashParts(parts ...any) (string, error) {
	h := sha256.New()
	var size [8]byte
	for i, p := range parts {
		data, err := Marshal(p)
		if err != nil {
			return "", fmt.Errorf("part %d: %w", i, err)
		}
		binary.BigEndian.PutUint64(size[:], uint64(len(data)))
		h.Write(size[:])
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustHash is Hash for values known to be encodable, such as graph settings
// built from validated configuration.
func MustHash(v any) string {
	s, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return s
}
