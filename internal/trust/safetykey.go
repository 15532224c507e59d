package trust

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	safetyKeyInfo         = "peersync safety key"
	fingerprintIterations = 5200
)

// ComputeSafetyKey derives the human-comparable 60-digit safety key for a
// pair of clients. Both sides compute the same key regardless of argument
// order: the party with the lower client id is hashed first.
func ComputeSafetyKey(id1 string, key1 []byte, id2 string, key2 []byte) string {
	firstID, firstKey := id1, key1
	secondID, secondKey := id2, key2
	if id2 < id1 {
		firstID, firstKey = id2, key2
		secondID, secondKey = id1, key1
	}
	return fingerprint(firstID, firstKey) + fingerprint(secondID, secondKey)
}

// fingerprint computes a 30-digit fingerprint for one party. The public key
// is stretched through HKDF-SHA256 bound to the client id, then hardened with
// iterated SHA-512 before digit rendering.
func fingerprint(id string, key []byte) string {
	seed := make([]byte, 32)
	r := hkdf.New(sha256.New, key, nil, []byte(safetyKeyInfo+"/"+id))
	if _, err := io.ReadFull(r, seed); err != nil {
		// hkdf only fails when asked for more output than SHA-256 allows.
		panic(fmt.Sprintf("trust: hkdf: %v", err))
	}

	digest := sha512.Sum512(seed)
	buf := digest[:]
	for i := 0; i < fingerprintIterations-1; i++ {
		h := sha512.New()
		h.Write(buf)
		h.Write(key)
		buf = h.Sum(buf[:0])
	}

	// First 30 bytes become 6 groups of 5 digits.
	var result strings.Builder
	for i := 0; i < 6; i++ {
		chunk := buf[i*5 : i*5+5]
		padded := make([]byte, 8)
		copy(padded[3:], chunk)
		num := binary.BigEndian.Uint64(padded) % 100000
		fmt.Fprintf(&result, "%05d", num)
	}
	return result.String()
}

// FormatSafetyKey renders a 60-digit safety key as three lines of four
// 5-digit groups for side-by-side comparison.
func FormatSafetyKey(sk string) string {
	var lines []string
	for i := 0; i < len(sk); i += 20 {
		end := i + 20
		if end > len(sk) {
			end = len(sk)
		}
		line := sk[i:end]
		var groups []string
		for j := 0; j < len(line); j += 5 {
			gend := j + 5
			if gend > len(line) {
				gend = len(line)
			}
			groups = append(groups, line[j:gend])
		}
		lines = append(lines, strings.Join(groups, " "))
	}
	return strings.Join(lines, "\n")
}
