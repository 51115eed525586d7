package types

// Company is a roster entry: a canonical 11/14-digit id plus the
// filesystem-safe folder name under which its archive lives. Read-only
// within a cycle; produced by the manifest/roster load.
type Company struct {
	IDCanonical string
	FolderName  string
}
