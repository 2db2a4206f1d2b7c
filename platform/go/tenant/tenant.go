// Package tenant defines the tenant identifier used to route every data-access
// operation to the owning tenant's database.
package tenant

import "strings"

// ID is an opaque tenant code (e.g. "acme-co"). It is supplied by the caller
// on every operation and never interpreted beyond equality.
type ID string

func (id ID) String() string { return string(id) }

// Valid reports whether the identifier carries a usable value.
func (id ID) Valid() bool { return strings.TrimSpace(string(id)) != "" }
