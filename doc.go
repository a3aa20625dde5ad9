// Package runicrpc provides a fault-tolerant request router for interchangeable
// upstream RPC endpoints with composable reliability primitives:
//
//   - Endpoint selection strategies (round-robin, latency-based, weighted, random)
//   - Per-endpoint circuit breaking (closed / open / half-open states)
//   - Per-endpoint token bucket rate limiting plus an optional global limiter
//   - Background health probing feeding the circuit breakers
//   - Retries with exponential backoff + jitter and cross-endpoint failover
//   - In-memory TTL+LRU response caching keyed by request fingerprint
//   - Request de-duplication (merges concurrent identical in-flight requests)
//   - Middleware chain for cross-cutting concerns (auth, logging, tracing, etc.)
//   - Prometheus metrics, typed lifecycle events and structured debug logging
//
// Design goals:
//   - Small surface area – functional options (or a YAML config) configure everything
//   - No global lock spans endpoints: per-endpoint state cells serialize independently
//   - Safe concurrent use of a single *Client instance
//   - Extensibility via user supplied transports, middleware, cache and event sinks
//
// Typical usage:
//
//	client := runicrpc.New(
//	    runicrpc.WithEndpoints(
//	        &runicrpc.Endpoint{Name: "alpha", URL: "https://rpc-a.example.com"},
//	        &runicrpc.Endpoint{Name: "beta", URL: "https://rpc-b.example.com", Weight: 2},
//	    ),
//	    runicrpc.WithStrategy(runicrpc.StrategyLatency),
//	    runicrpc.WithCache(30*time.Second),
//	    runicrpc.WithDeduplication(),
//	    runicrpc.WithRateLimit(50, 100),
//	)
//	client.Start(ctx)
//	defer client.Close()
//	resp, err := client.Call(ctx, &runicrpc.Request{Method: "eth_blockNumber"})
//
// Correctness here means returning a live, sufficiently fresh answer from one of
// the configured upstreams; endpoints are assumed independently authoritative and
// interchangeable for read-type calls. The library avoids opinionated logging:
// provide a Logger (e.g. via WithSimpleLogger or NewZapLogger) + enable debug
// flags selectively (WithDebug / WithDebugConfig) for insight without noise.
package runicrpc
