/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides fixed-window rate limiting of attempts per identifier.
// Counters live in a Store: MemoryStore keeps them in a bounded LRU table of the process,
// while redisstore shares them between processes.
package ratelimit
