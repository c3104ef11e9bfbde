// Package dockercli holds the pure side of talking to a container runtime
// through its command line: argument construction, identifier policy and
// parsing of tabular output. Nothing here performs I/O.
package dockercli

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrIdentifierRequired is returned for an empty container name or ID.
	ErrIdentifierRequired = errors.New("container identifier is required")

	// ErrIdentifierMalformed is returned when the identifier has a shape the
	// runtime would not accept, or that could smuggle extra arguments.
	ErrIdentifierMalformed = errors.New("container identifier is malformed")

	// ErrPrefixNotAllowed is returned when a container name does not start
	// with any allow-listed prefix.
	ErrPrefixNotAllowed = errors.New("container name does not match an allowed prefix")
)

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	hexIDPattern      = regexp.MustCompile(`^[a-fA-F0-9]{12,64}$`)
)

// DefaultAllowedPrefixes are the name prefixes of containers this platform owns.
var DefaultAllowedPrefixes = []string{"cyberlab-", "drill-", "vuln-"}

// NamePolicy restricts which containers name-based operations may touch.
// An empty prefix list allows every well-formed name.
type NamePolicy struct {
	AllowedPrefixes []string
}

// NewNamePolicy returns a policy for the given prefixes.
func NewNamePolicy(prefixes []string) NamePolicy {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return NamePolicy{AllowedPrefixes: cleaned}
}

// IsContainerID reports whether s looks like a runtime-assigned hex ID.
func IsContainerID(s string) bool {
	return hexIDPattern.MatchString(s)
}

// ValidateIdentifier checks a container name or ID. Hex IDs bypass the
// prefix check but must still have the ID shape.
func (p NamePolicy) ValidateIdentifier(id string) error {
	id = strings.TrimPrefix(id, "/")
	if id == "" {
		return ErrIdentifierRequired
	}
	if !identifierPattern.MatchString(id) {
		return ErrIdentifierMalformed
	}
	if IsContainerID(id) {
		return nil
	}
	return p.ValidateName(id)
}

// ValidateName checks a container name against the allow-list.
func (p NamePolicy) ValidateName(name string) error {
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ErrIdentifierRequired
	}
	if !identifierPattern.MatchString(name) {
		return ErrIdentifierMalformed
	}
	if len(p.AllowedPrefixes) == 0 {
		return nil
	}
	for _, prefix := range p.AllowedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return nil
		}
	}
	return ErrPrefixNotAllowed
}
