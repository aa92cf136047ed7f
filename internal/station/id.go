package station

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Kind is the identifier namespace. Identifiers of different kinds never
// compare equal, even when their text happens to match.
type Kind int

const (
	KindInteger Kind = iota + 1 // legacy era: "72", "3255"
	KindDecimal                 // 2021+ short names: "6140.05"
	KindUUID                    // GBFS station_id: "66db237e-0aca-11e7-82f6-3863bb44ef7c"
	KindOpaque                  // anything else seen in the wild: "JC008", "SYS016"
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindUUID:
		return "uuid"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String
func ParseKind(s string) Kind {
	switch s {
	case "integer":
		return KindInteger
	case "decimal":
		return KindDecimal
	case "uuid":
		return KindUUID
	case "opaque":
		return KindOpaque
	default:
		return 0
	}
}

var (
	integerPattern = regexp.MustCompile(`^[0-9]+$`)
	decimalPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)
)

// ID is a station identifier tagged with its namespace.
// The zero value means "no identifier".
type ID struct {
	kind  Kind
	value string
}

// ParseID classifies a raw identifier. Surrounding whitespace is trimmed and
// a trailing ".0" left by float conversion of integer columns is removed.
// It returns false for empty input.
func ParseID(raw string) (ID, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ID{}, false
	}

	if strings.HasSuffix(s, ".0") && integerPattern.MatchString(strings.TrimSuffix(s, ".0")) {
		s = strings.TrimSuffix(s, ".0")
	}

	switch {
	case integerPattern.MatchString(s):
		return ID{kind: KindInteger, value: s}, true
	case decimalPattern.MatchString(s):
		return ID{kind: KindDecimal, value: s}, true
	case strings.Contains(s, "-"):
		if u, err := uuid.Parse(s); err == nil {
			return ID{kind: KindUUID, value: u.String()}, true
		}
	}
	return ID{kind: KindOpaque, value: s}, true
}

// MustParseID is ParseID for identifiers known to be non-empty (tests, fixtures)
func MustParseID(raw string) ID {
	id, ok := ParseID(raw)
	if !ok {
		panic("station: empty identifier")
	}
	return id
}

// Kind returns the identifier namespace
func (id ID) Kind() Kind {
	return id.kind
}

// String returns the normalized identifier text
func (id ID) String() string {
	return id.value
}

// IsZero reports whether id is the zero identifier
func (id ID) IsZero() bool {
	return id.kind == 0
}

// Compare orders identifiers by text, then by kind
func Compare(a, b ID) int {
	if c := strings.Compare(a.value, b.value); c != 0 {
		return c
	}
	switch {
	case a.kind < b.kind:
		return -1
	case a.kind > b.kind:
		return 1
	}
	return 0
}
