// Package fingerprint derives the deterministic "safety number" used to
// verify a peer's identity out of band: a 60-digit display string
// grouped in fives and a compact scannable byte form, both symmetric by
// construction — computing A against B yields the same result as B
// against A.
package fingerprint

import (
	"bytes"
	"crypto/sha512"
	"fmt"
	"strings"

	"openconv/go-core/internal/crypto/cryptoerr"
)

// iterations applies the iterated-hash stretching of the Signal
// safety-number scheme: a single SHA-512 pass is not enough to make a
// short numeric fingerprint resistant to precomputation.
const iterations = 5200

// perPartyHashLen is how many bytes of the iterated hash are kept per
// party before being converted into decimal digits.
const perPartyHashLen = 30

// version is prefixed to the scannable byte form so a future fingerprint
// scheme change cannot be mistaken for a match against this one.
const version byte = 1

// Fingerprint is the output of Compute.
type Fingerprint struct {
	// Display is the 60-digit string grouped in fives
	// ("12345 67890 ... "), meant to be read aloud or typed.
	Display string
	// Scannable is the compact byte form meant to be exchanged via QR
	// code or NFC for automated comparison.
	Scannable []byte
}

// Compute derives the pair fingerprint for (localIdentityKey, localID)
// versus (remoteIdentityKey, remoteID). The two parties are first sorted
// so the result does not depend on which side calls Compute.
func Compute(localIdentityKey []byte, localID string, remoteIdentityKey []byte, remoteID string) (*Fingerprint, error) {
	if len(localIdentityKey) == 0 || len(remoteIdentityKey) == 0 {
		return nil, cryptoerr.New(cryptoerr.KindInvalidKeyMaterial, "fingerprint requires non-empty identity keys")
	}

	aKey, aID, bKey, bID := localIdentityKey, localID, remoteIdentityKey, remoteID
	if !orderedFirst(aKey, aID, bKey, bID) {
		aKey, aID, bKey, bID = bKey, bID, aKey, aID
	}

	aHash := iteratedHash(aKey, aID)
	bHash := iteratedHash(bKey, bID)

	scan := make([]byte, 0, 1+len(aHash)+len(bHash))
	scan = append(scan, version)
	scan = append(scan, aHash...)
	scan = append(scan, bHash...)

	digits := digitsFromHash(aHash) + digitsFromHash(bHash)
	return &Fingerprint{Display: groupDigits(digits), Scannable: scan}, nil
}

// CompareFingerprints reports whether two scannable forms, exchanged by
// the two sides out of band (e.g. via QR code), represent the same pair.
func CompareFingerprints(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// orderedFirst reports whether (aKey, aID) sorts before (bKey, bID),
// establishing the canonical ordering that makes the result independent
// of which side computes it.
func orderedFirst(aKey []byte, aID string, bKey []byte, bID string) bool {
	a := append(append([]byte(nil), aKey...), []byte(aID)...)
	b := append(append([]byte(nil), bKey...), []byte(bID)...)
	return bytes.Compare(a, b) <= 0
}

func iteratedHash(identityKey []byte, id string) []byte {
	seed := append(append([]byte(nil), identityKey...), []byte(id)...)
	sum := sha512.Sum512(seed)
	out := sum[:]
	for i := 0; i < iterations; i++ {
		h := sha512.New()
		h.Write(out)
		h.Write(identityKey)
		out = h.Sum(nil)
	}
	return out[:perPartyHashLen]
}

// digitsFromHash converts a 30-byte hash into 30 decimal digits: six
// 5-byte chunks, each reduced mod 100000 and zero-padded to 5 digits.
func digitsFromHash(h []byte) string {
	var sb strings.Builder
	for i := 0; i+5 <= len(h); i += 5 {
		var v uint64
		for _, b := range h[i : i+5] {
			v = v<<8 | uint64(b)
		}
		fmt.Fprintf(&sb, "%05d", v%100000)
	}
	return sb.String()
}

// groupDigits inserts a space every 5 digits for display.
func groupDigits(digits string) string {
	var sb strings.Builder
	for i, r := range digits {
		if i > 0 && i%5 == 0 {
			sb.WriteByte(' ')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
