package typeindex

import "github.com/loomkit/loomkit/pkg/types"

// Property names used by the Addressbook type's indexes.
const AddressbookPropertyName = "name"

// ConfigureAddressbook registers Addressbook's one index: lookup by
// display name. Addressbooks are few per resource instance, so no sorted
// or secondary index is warranted.
func ConfigureAddressbook(r *Registry) {
	r.Register(types.TypeAddressbook).
		AddProperty(AddressbookPropertyName)
}

// ConfigureAll registers every built-in entity type's indexes on r. The
// daemon entrypoint calls this once at startup.
func ConfigureAll(r *Registry) {
	ConfigureMail(r)
	ConfigureFolder(r)
	ConfigureEvent(r)
	ConfigureContact(r)
	ConfigureAddressbook(r)
}
