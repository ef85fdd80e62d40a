// Package dispatch runs the background delivery loop.
//
// A Dispatcher mirrors the store's pending events in an in-memory queue.
// Its loop selects events (everything in single mode or on Flush, full
// batches in batch mode), sends them through a transport.Sender, and
// classifies each finished transfer:
//
//   - 2xx: delivered, removed from the store
//   - 400, 413, 422: rejected, removed from the store, never retried
//   - anything else, including no response: retried after RetryDelay
//
// The store is only touched to add and remove events, so stopping the
// dispatcher (or the process) never loses an event: the next Start
// reloads whatever is still pending.
//
//	d, err := dispatch.New(st, builder, httpTransport, dispatch.Config{
//	    BatchMode:    true,
//	    MaxQueueSize: 20,
//	    RetryDelay:   30 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := d.Start(ctx); err != nil {
//	    return err
//	}
//	defer d.Stop()
package dispatch
