// Package identity derives stable channel identifiers.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

// ChannelID computes the deterministic channel UUID for a (source_id, domain)
// pair: a namespace UUID is derived from the domain under the DNS namespace,
// and the final UUID from the source id under that namespace. Recomputing with
// the same inputs always yields the same identifier, which is how duplicate
// channel registrations are detected.
func ChannelID(sourceID, domain string) uuid.UUID {
	ns := uuid.NewSHA1(uuid.NameSpaceDNS, []byte(domain))
	return uuid.NewSHA1(ns, []byte(sourceID))
}

// Hex returns the 32-character lowercase form used in URLs and cache paths.
func Hex(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}
