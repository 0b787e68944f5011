// Package natsclient manages the NATS connection used by the remote world
// backend and the event publisher.
//
// Client wraps a *nats.Conn with a circuit breaker: after a configurable
// number of consecutive connect or JetStream failures the circuit opens and
// calls fail fast with ErrCircuitOpen until the backoff elapses. The backoff
// doubles on each reopening up to WithMaxBackoff.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithCredentials(user, pass),
//	    natsclient.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	reply, err := client.Request(ctx, "zonestream.world.load", body)
//
// KVStore adds per-operation timeouts and retries of transient failures to a
// JetStream key-value bucket; CreateKeyValueBucket is get-or-create.
//
// TestClient starts a throwaway NATS server with testcontainers for the
// integration tests, which run under the "integration" build tag.
package natsclient
