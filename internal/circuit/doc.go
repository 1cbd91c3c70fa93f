// Package circuit runs caller operations through a pool of Tor identities
// that share one daemon.
//
// Each Circuit authenticates to Tor's SOCKS port with its own username, so
// Tor keeps its streams on separate circuits. A Circuit counts successful
// operations and sends SIGNAL NEWNYM over its control session after
// Config.MaxQueries of them, or immediately when an operation reports that
// the exit was blocked. Operation starts on one circuit are spaced at least
// Config.MinInterval apart and followed by a random pause.
//
// Pool owns the daemon and its data directory and hands circuits out round
// robin:
//
//	pool, err := circuit.New(ctx, circuit.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	body, err := circuit.Do(ctx, pool, func(ctx context.Context, ep *circuit.Endpoint) ([]byte, error) {
//		return fetch(ctx, ep.HTTPClient(), url)
//	})
//
// Do and Go adapt typed functions to any Executor, Retrying adds a retry
// policy on top, and Batch fans a slice of inputs out with bounded
// concurrency.
package circuit
