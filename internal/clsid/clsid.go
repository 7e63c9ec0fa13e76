// Package clsid implements the opaque, value-equatable class identifier
// used to key the class map (x3plugin/internal/registry).
package clsid

import (
	"github.com/google/uuid"
)

// CLSID is a stable identifier for a class/factory contributed by a
// plugin. It carries no ordering, only equality and a canonical string
// projection.
type CLSID struct {
	id uuid.UUID
}

// Zero is the invalid/unset CLSID.
var Zero = CLSID{}

// New returns a freshly generated CLSID, for hosts that mint identifiers
// rather than reading them from a plugin's declared class table.
func New() CLSID {
	return CLSID{id: uuid.New()}
}

// Parse converts a canonical textual form (as produced by String) back
// into a CLSID. Plugins declare their clsids as such strings in their
// module capability tables and in the class cache document.
func Parse(s string) (CLSID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Zero, err
	}
	return CLSID{id: id}, nil
}

// MustParse is Parse but panics on a malformed string; used for clsids
// compiled into the host rather than read from untrusted input.
func MustParse(s string) CLSID {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the canonical lowercase-hex textual form.
func (c CLSID) String() string {
	return c.id.String()
}

// Valid reports whether c is not the zero value.
func (c CLSID) Valid() bool {
	return c.id != uuid.Nil
}

// Equal reports value equality. CLSID carries no ordering requirement
// beyond this.
func (c CLSID) Equal(other CLSID) bool {
	return c.id == other.id
}
