package mutate

import "errors"

// Sentinel errors returned by the coordinator. Callers branch on these with
// errors.Is; I/O failures are returned wrapped around the underlying error
// instead of a sentinel.
var (
	// ErrNotFound means the referenced node or document is not in the
	// index.
	ErrNotFound = errors.New("not found")

	// ErrInvalidOperation means the request is structurally impossible,
	// like moving a node underneath its own descendant.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrDocumentInvalid means the target document is currently
	// unparseable and cannot be mutated until the file is fixed.
	ErrDocumentInvalid = errors.New("document invalid")
)
