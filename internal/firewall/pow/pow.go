// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pow validates the proof-of-work stamp a connecting peer sends in
// its first payload bytes. The stamp is cheap to verify and expensive to
// produce: its complexity is the number of leading zero bits in the
// BLAKE2b-256 digest of the payload.
package pow

import (
	"math/bits"

	"golang.org/x/crypto/blake2b"

	"github.com/simplestaking/bpf-firewall/internal/errors"
)

// ErrInsufficientWork is returned when a payload's complexity is strictly
// below the configured target.
var ErrInsufficientWork = errors.New(errors.KindPolicy, "proof of work complexity below target")

// Validator checks proof-of-work payloads against a complexity target.
type Validator struct {
	target float64
}

// NewValidator creates a validator for the given complexity target.
func NewValidator(target float64) *Validator {
	return &Validator{target: target}
}

// Target returns the configured complexity target.
func (v *Validator) Target() float64 {
	return v.target
}

// Validate passes iff the payload's complexity meets or exceeds the target.
// Ambiguous or incomplete evidence never gets a second chance: callers treat
// any non-nil result as a policy failure immediately.
func (v *Validator) Validate(payload []byte) error {
	if Complexity(payload) >= v.target {
		return nil
	}
	return ErrInsufficientWork
}

// Complexity returns the proof-of-work complexity of a payload: the number
// of leading zero bits of its BLAKE2b-256 digest.
func Complexity(payload []byte) float64 {
	digest := blake2b.Sum256(payload)
	return float64(leadingZeroBits(digest[:]))
}

func leadingZeroBits(digest []byte) int {
	n := 0
	for _, b := range digest {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}
