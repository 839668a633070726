// Package fingerprint derives cache and single-flight keys from the semantic
// parameters of a vision request.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// Kind is the request family a fingerprint belongs to.
type Kind string

const (
	KindOverhead       Kind = "overhead"
	KindStreetView     Kind = "streetview"
	KindGeocode        Kind = "geocode"
	KindReverseGeocode Kind = "reverse_geocode"
)

// Params is the canonical parameter tuple of a request. Callers normalize
// values (clamping, heading modulo 360, trimmed query) before fingerprinting.
type Params struct {
	Kind    Kind
	Lat     float64
	Lng     float64
	Zoom    int
	Heading int
	Pitch   int
	FOV     int
	Variant string
	Query   string
}

// Fingerprint is a SHA-256 digest of Params. It is comparable and usable as a map key.
type Fingerprint [sha256.Size]byte

// Of computes the fingerprint of p. Every field is tagged and length-prefixed
// so that no two distinct tuples share an encoding.
func Of(p Params) Fingerprint {
	var enc encoder
	enc.field('k', string(p.Kind))
	enc.field('a', coordinate(p.Lat))
	enc.field('o', coordinate(p.Lng))
	enc.field('z', strconv.Itoa(p.Zoom))
	enc.field('h', strconv.Itoa(p.Heading))
	enc.field('p', strconv.Itoa(p.Pitch))
	enc.field('f', strconv.Itoa(p.FOV))
	enc.field('v', p.Variant)
	enc.field('q', p.Query)
	return sha256.Sum256(enc.buf)
}

// coordinate renders a degree value at six decimals. Values that round to
// zero from either side share one encoding.
func coordinate(deg float64) string {
	s := strconv.FormatFloat(deg, 'f', 6, 64)
	if s == "-0.000000" {
		return s[1:]
	}
	return s
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short is a log-friendly prefix of the hex digest.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:6])
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

type encoder struct {
	buf []byte
}

func (e *encoder) field(tag byte, value string) {
	e.buf = append(e.buf, tag)
	e.buf = binary.AppendUvarint(e.buf, uint64(len(value)))
	e.buf = append(e.buf, value...)
}
