package reactive

// Snapshot is the single aggregated view a controller broadcasts: the
// document currently in focus, whether an operation is in flight, the last
// failure, the last good document, and whether a watch is active.
type Snapshot[T any] struct {
	DocID    string
	Loading  bool
	Err      error
	Doc      *T
	Watching bool
}

// merge folds one operation result into the previous snapshot. It is total:
// success clears the error and replaces the document; failure records the
// error and keeps the last good document visible (a transient failure must
// not blank out data the caller is already showing).
func merge[T any](old Snapshot[T], doc *T, err error) Snapshot[T] {
	next := old
	if err != nil {
		next.Err = err
		return next
	}
	next.Err = nil
	next.Doc = doc
	return next
}
