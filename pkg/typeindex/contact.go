package typeindex

import "github.com/loomkit/loomkit/pkg/types"

// Property names used by the Contact type's indexes.
const (
	ContactPropertyAddressbook = "addressbook"
	ContactPropertyFullName    = "fullName"
)

// ConfigureContact registers Contact's indexes: membership in its owning
// addressbook, and a plain index on full name for lookup-by-name.
func ConfigureContact(r *Registry) {
	r.Register(types.TypeContact).
		AddProperty(ContactPropertyAddressbook).
		AddProperty(ContactPropertyFullName)
}
