// Package flow implements back-pressure for descriptor rings.
//
// A [Controller] admits a submission only while the ring has a free slot
// that is not reserved for an earlier, deferred submitter. When the ring
// is full the submitter is deferred instead of spinning: synchronous
// callers block in [Controller.Submit] until a completion frees a slot or
// their context ends, and asynchronous callers get a [Waiter] from
// [Controller.TrySubmit] and retry once it is ready:
//
//	w, err := fc.TrySubmit(d)
//	if w != nil {
//	    <-w.Ready()
//	    err = fc.Retry(w, d)
//	}
//
// The bottom-half reports completions with [Controller.Complete], which
// resumes waiters strictly in arrival order.
package flow
