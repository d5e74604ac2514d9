package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"golang.org/x/text/cases"
)

// Well-known rooms.
const (
	RoomAll           = "all"
	RoomAuthenticated = "authenticated"
	RoomAdmins        = "admins"
)

const (
	facilityPrefix = "facility:"
	searchPrefix   = "search:"
	userPrefix     = "user:"

	maxRoomLength = 128
	signatureLen  = 16
)

// FacilityRoom returns the room of a single facility.
func FacilityRoom(facilityID string) string {
	return facilityPrefix + facilityID
}

// UserRoom returns the private room of a user.
func UserRoom(userID string) string {
	return userPrefix + userID
}

// SearchRoom returns the room for a saved search.
func SearchRoom(query string, filters map[string]string) string {
	return searchPrefix + SearchSignature(query, filters)
}

// SearchSignature identifies a search independently of case, surrounding whitespace and
// filter order: the first 16 hex characters of the SHA-256 of the normalized query and
// the sorted key=value filters.
func SearchSignature(query string, filters map[string]string) string {
	var b strings.Builder
	b.WriteString(normalize(query))

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		v := normalize(filters[k])
		if v == "" {
			continue
		}
		b.WriteByte('|')
		b.WriteString(normalize(k))
		b.WriteByte('=')
		b.WriteString(v)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:signatureLen]
}

func normalize(s string) string {
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}

// RoomKind classifies a room name.
type RoomKind int

const (
	RoomKindInvalid RoomKind = iota
	RoomKindPublic
	RoomKindFacility
	RoomKindSearch
	RoomKindUser
	RoomKindAuthenticated
	RoomKindAdmins
)

// ClassifyRoom returns the kind of name, or RoomKindInvalid for malformed names.
func ClassifyRoom(name string) RoomKind {
	if name == "" || len(name) > maxRoomLength {
		return RoomKindInvalid
	}

	switch name {
	case RoomAll:
		return RoomKindPublic
	case RoomAuthenticated:
		return RoomKindAuthenticated
	case RoomAdmins:
		return RoomKindAdmins
	}

	switch {
	case strings.HasPrefix(name, facilityPrefix):
		if validID(name[len(facilityPrefix):]) {
			return RoomKindFacility
		}
	case strings.HasPrefix(name, searchPrefix):
		if sig := name[len(searchPrefix):]; len(sig) == signatureLen && isHex(sig) {
			return RoomKindSearch
		}
	case strings.HasPrefix(name, userPrefix):
		if validID(name[len(userPrefix):]) {
			return RoomKindUser
		}
	}
	return RoomKindInvalid
}

func validID(id string) bool {
	if id == "" {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
