package typeindex

import "github.com/loomkit/loomkit/pkg/types"

// Property names used by the Folder type's indexes.
const (
	FolderPropertyParent = "parent"
	FolderPropertyName   = "name"
)

// ConfigureFolder registers Folder's indexes: a plain index on name (used
// by interactive folder lookup) and a secondary index recording each
// folder's own uid -> its parent folder uid. The latter lets a caller
// holding only a mail's folder uid resolve the grandparent folder with
// one index lookup instead of loading the full Folder entity.
func ConfigureFolder(r *Registry) {
	r.Register(types.TypeFolder).
		AddProperty(FolderPropertyName).
		AddSecondaryProperty(PropertyUID, FolderPropertyParent)
}
