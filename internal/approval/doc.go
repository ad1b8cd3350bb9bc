// Package approval models pipeline stages that are processing-complete but
// action-gated: the backend has produced something (a foundations skeleton,
// a set of image descriptions) and progress is suspended until a human
// approves it, possibly after editing it.
//
// # Usage
//
//	gate := approval.New("foundations", func(ctx context.Context, edited *string) error {
//		_, err := backend.ApproveFoundations(ctx, id, edited)
//		return err
//	})
//
//	// Store a locally edited skeleton; the stage does not change.
//	gate.SubmitEdits(skeleton)
//
//	// Send it. A second Approve while the first is in flight returns
//	// ErrSubmitting and issues no request.
//	err := gate.Approve(ctx)
//
// # Thread Safety
//
// All methods on [Gate] are safe for concurrent use via an internal mutex.
// The submitter is called without the mutex held.
package approval
