// Package canonical provides the byte-stable event encoding and the
// SHA-256 hash-chain links used by the event store.
//
// Canonical form (published, frozen after first use):
//   - RFC 8785 (JSON Canonicalization Scheme): keys sorted by UTF-16
//     code units, no insignificant whitespace, no HTML escaping,
//     shortest-round-trip number formatting.
//   - All strings are Unicode-normalized to NFC before encoding.
//   - Absent optional fields are omitted entirely; an explicit null is
//     encoded as null. The two are NOT interchangeable.
//   - Decimal quantities travel as strings and keep their exact
//     textual form.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// GenesisHash is the previous-hash sentinel for the first event of a
// business chain. The exact ASCII bytes are part of the wire contract.
const GenesisHash = "GENESIS"

// hashSeparator joins the hash-input segments. A byte that cannot
// appear in canonical JSON output keeps the segments unambiguous.
const hashSeparator = '\n'

// ErrEncoding reports an input containing value kinds the canonical
// form cannot represent (channels, funcs, NaN floats, cycles).
var ErrEncoding = errors.New("canonical: unsupported value")

// ErrHashMismatch reports a failed chain verification.
var ErrHashMismatch = errors.New("canonical: hash mismatch")

// Canonical returns the canonical byte encoding of v.
// Same input always produces the same bytes, on every platform.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}

	normalized, err := normalizeStrings(intermediate)
	if err != nil {
		return nil, err
	}

	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return out, nil
}

// CanonicalString is Canonical with a string result.
func CanonicalString(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash computes the event hash for a payload, the previous hash in the
// chain, and the stable header fields of the event:
//
//	SHA256(canonical(payload) || sep || previousHash || sep || canonical(header))
//
// The result is a 64-character lowercase hex digest.
func Hash(payload any, previousHash string, header any) (string, error) {
	payloadBytes, err := Canonical(payload)
	if err != nil {
		return "", fmt.Errorf("canonical: payload: %w", err)
	}
	headerBytes, err := Canonical(header)
	if err != nil {
		return "", fmt.Errorf("canonical: header: %w", err)
	}
	return HashBytes(payloadBytes, previousHash, headerBytes), nil
}

// HashBytes is Hash for already-canonicalized segments.
func HashBytes(payload []byte, previousHash string, header []byte) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte{hashSeparator})
	h.Write([]byte(previousHash))
	h.Write([]byte{hashSeparator})
	h.Write(header)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the hash for the given inputs and compares it to
// want. Returns ErrHashMismatch on disagreement.
func Verify(payload any, previousHash string, header any, want string) error {
	got, err := Hash(payload, previousHash, header)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: computed %s, stored %s", ErrHashMismatch, got, want)
	}
	return nil
}

// normalizeStrings walks a JSON document and rewrites every string
// (keys included) into Unicode NFC, preserving numbers exactly.
func normalizeStrings(doc []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}

	normalized := normalizeValue(generic)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
