package domain

import (
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/cockroachdb/errors"
)

const referencePrefix = "RB-"

// Crockford alphabet, no I, L, O or U.
var referenceEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// NewReference returns a fresh human-facing booking reference such as RB-7K3M9Q2X.
func NewReference() (string, error) {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", errors.Wrap(err, "generate booking reference")
	}
	return referencePrefix + referenceEncoding.EncodeToString(b[:]), nil
}

// ValidReference reports whether s has the shape NewReference produces.
func ValidReference(s string) bool {
	if !strings.HasPrefix(s, referencePrefix) {
		return false
	}
	body := strings.TrimPrefix(s, referencePrefix)
	if len(body) != 8 {
		return false
	}
	_, err := referenceEncoding.DecodeString(body)
	return err == nil
}
