// Package canonical produces deterministic digests for structured business
// records. Payloads are serialized to RFC 8785 (JSON Canonicalization Scheme)
// form so that logically identical content always hashes to the same value,
// independent of map iteration order or incidental formatting.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"
)

// Algorithm selects the digest function. SHA-256 is the default; Keccak-256
// is kept for EVM-aligned deployments.
type Algorithm string

const (
	SHA256    Algorithm = "sha256"
	Keccak256 Algorithm = "keccak256"
)

// fieldSeparator joins the identity fields and the canonical payload.
// NUL cannot appear unescaped inside JSON text, and identity fields are
// rejected if they contain it, so the framing is unambiguous.
const fieldSeparator = byte(0x00)

// maxPayloadDepth bounds payload nesting during canonicalization. Anything
// deeper is treated as an encoding error rather than silently truncated.
const maxPayloadDepth = 64

// Hasher computes record and batch digests with a fixed algorithm.
type Hasher struct {
	alg Algorithm
}

// NewHasher returns a Hasher for the given algorithm.
func NewHasher(alg Algorithm) (*Hasher, error) {
	switch alg {
	case "", SHA256:
		return &Hasher{alg: SHA256}, nil
	case Keccak256:
		return &Hasher{alg: Keccak256}, nil
	default:
		return nil, fmt.Errorf("canonical: unsupported algorithm %q", alg)
	}
}

// Algorithm returns the configured digest algorithm.
func (h *Hasher) Algorithm() Algorithm { return h.alg }

// HashBytes returns the hex-encoded digest of raw bytes.
func (h *Hasher) HashBytes(data []byte) string {
	if h.alg == Keccak256 {
		k := sha3.NewLegacyKeccak256()
		k.Write(data)
		return hex.EncodeToString(k.Sum(nil))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex-encoded digest of a string.
func (h *Hasher) HashString(s string) string {
	return h.HashBytes([]byte(s))
}

// Canonicalize returns the canonical byte representation of a JSON-like
// payload: keys sorted lexicographically at every nesting level, compact
// separators, no HTML escaping. Non-finite numbers, cyclic structures, and
// unencodable types yield an *EncodingError.
func Canonicalize(payload any) ([]byte, error) {
	// The pre-marshal rejects cycles, NaN/Inf floats, and unsupported types.
	intermediate, err := json.Marshal(payload)
	if err != nil {
		return nil, &EncodingError{Reason: err.Error()}
	}

	if err := checkDepth(intermediate); err != nil {
		return nil, err
	}

	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, &EncodingError{Reason: fmt.Sprintf("canonical transform failed: %v", err)}
	}
	return out, nil
}

// checkDepth walks the intermediate JSON and rejects nesting beyond
// maxPayloadDepth.
func checkDepth(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			// io.EOF ends the walk; the input already passed json.Marshal.
			return nil
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
				if depth > maxPayloadDepth {
					return &EncodingError{Reason: fmt.Sprintf("payload nesting exceeds %d levels", maxPayloadDepth)}
				}
			case '}', ']':
				depth--
			}
		}
	}
}

// RecordDigest computes the identity digest of a record from its identity
// fields and the canonical form of its payload. The result is a pure function
// of the inputs: recomputing from identical logical content always reproduces
// the stored digest.
func (h *Hasher) RecordDigest(recordType, sourceNamespace, sourceID, tenantID string, payload any) (string, error) {
	for name, v := range map[string]string{
		"record_type":      recordType,
		"source_namespace": sourceNamespace,
		"source_id":        sourceID,
		"tenant_id":        tenantID,
	} {
		if bytes.ContainsRune([]byte(v), 0x00) {
			return "", &EncodingError{Reason: fmt.Sprintf("field %s contains NUL", name)}
		}
	}

	canonicalPayload, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.WriteString(recordType)
	buf.WriteByte(fieldSeparator)
	buf.WriteString(sourceNamespace)
	buf.WriteByte(fieldSeparator)
	buf.WriteString(sourceID)
	buf.WriteByte(fieldSeparator)
	buf.WriteString(tenantID)
	buf.WriteByte(fieldSeparator)
	buf.Write(canonicalPayload)

	return h.HashBytes(buf.Bytes()), nil
}

// BatchDigest fingerprints a set of record digests: sort lexicographically,
// concatenate, hash. This identifies the batch; it is distinct from the
// Merkle root, which additionally supports inclusion proofs.
func (h *Hasher) BatchDigest(digests []string) string {
	sorted := make([]string, len(digests))
	copy(sorted, digests)
	sort.Strings(sorted)

	var buf bytes.Buffer
	for _, d := range sorted {
		buf.WriteString(d)
	}
	return h.HashBytes(buf.Bytes())
}
