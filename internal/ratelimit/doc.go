// Package ratelimit provides fixed-window request limits keyed by client
// identity and limit class.
//
// Counters live in the shared store so every instance enforces the same
// budget. Each (identity, class) pair gets one counter whose expiry is set on
// the first increment of a window and never extended; once the counter
// reaches the class maximum further requests are refused without touching it.
//
// Fixed windows let a client spend up to twice a class budget across a window
// boundary. That is an accepted tradeoff for a single atomic store operation
// per request.
//
// What this does NOT protect against:
//   - distributed attacks across many ips
//   - bandwidth-bill attacks, inbound data is already accepted by the time this runs
package ratelimit
