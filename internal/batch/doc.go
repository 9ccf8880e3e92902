// Package batch implements the batch operations offered against a portal's
// headless batch engine. Export is the only operation with behaviour: it
// submits an export task, polls its status until the task completes or fails,
// then fetches the resulting content. The import operations are placeholders
// that return no result.
//
// The export state machine is:
//
//	SUBMITTED -> (poll loop) -> COMPLETED -> FETCHING -> DONE
//	                         -> FAILED -> ERROR
//	                         -> CANCELLED | LIMIT -> ERROR
//
// Nothing is persisted; the task id is the only state carried between polls.
package batch
