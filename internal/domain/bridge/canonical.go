package bridge

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

// Canonicalize rewrites a JSON document so that structurally equal inputs
// produce identical bytes: object keys are sorted at every depth, insignificant
// whitespace is removed and numbers are kept verbatim. An empty input is the
// empty object. Invalid UTF-8 is rejected, since decoding would replace it
// and let distinct inputs share a key.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: arguments are not valid UTF-8", ErrInvalidArgs)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrInvalidArgs)
	}

	// encoding/json writes map keys in sorted order.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// CacheKey identifies a cacheable result.
type CacheKey struct {
	Service   string
	Operation string
	ArgsHash  [sha256.Size]byte
}

// KeyOf builds the cache key for already canonical arguments.
func KeyOf(service, operation string, canonical []byte) CacheKey {
	return CacheKey{Service: service, Operation: operation, ArgsHash: sha256.Sum256(canonical)}
}

func (k CacheKey) String() string {
	return k.Service + "/" + k.Operation + "/" + hex.EncodeToString(k.ArgsHash[:])
}
