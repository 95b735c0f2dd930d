package typeindex

import "github.com/loomkit/loomkit/pkg/types"

// Property names used by the Mail type's indexes.
const (
	MailPropertyFolder  = "folder"
	MailPropertySubject = "subject"
	MailPropertyDate    = "date"
)

// ConfigureMail registers Mail's indexes: a plain index on folder for
// unsorted membership lookups, and a (folder, sort=date) composite so a
// folder listing can be served in descending-date order straight from the
// index with zero full-scan reads (see TestableProperty S4). Resolving a
// mail's grandparent folder is a mail.folder lookup (first hop) followed
// by Folder's own secondary index (second hop, see folder.go) rather than
// anything registered here.
func ConfigureMail(r *Registry) {
	r.Register(types.TypeMail).
		AddProperty(MailPropertyFolder).
		AddPropertyWithSorting(MailPropertyFolder, MailPropertyDate)
}
