// Package redisstream provides a Redis Streams transport for orderbus.
//
// Transport name: "redis-streams"
//
// A topic is a stream and a receive endpoint's queue is a consumer group on
// it. Nacked entries are copied to the group's error stream (group + "_error"
// unless dead_letter is set) with their fault headers, then acked.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - consumer: consumer name (default "orderbus-<host>-<pid>")
//   - concurrency: number of workers (default 8)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: override the error stream name
//   - claim_min_idle, claim_batch, claim_interval: pending entry recovery
//
//	bus, _ := orderbus.NewBusBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "concurrency": 4,
//	        "block":       "2s",
//	    }).
//	    Build()
package redisstream
