package opqueue

// reportInternalError reports an internal dispatcher error.
//
// Internal errors are non-request failures such as worker setup issues
// or unexpected queue states. If no handler is registered, the error is
// silently ignored.
func (d *Dispatcher[T]) reportInternalError(e error) {
	if d.opts.OnInternalError != nil {
		d.opts.OnInternalError(e)
	}
}

// reportJobError reports an error returned by the handler on the final
// attempt, or produced by panic recovery.
//
// Job errors do not stop the dispatcher and are reported via the
// configured handler.
func (d *Dispatcher[T]) reportJobError(r Request[T], err error) {
	if d.opts.OnJobError != nil {
		d.opts.OnJobError(r, err)
	}
}
