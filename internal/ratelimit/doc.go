// Package ratelimit is per-peer rate limiting middleware for the ops
// server's manual injection trigger.
//
// It is in-memory and per process. A peer that keeps hammering
// POST /-/inject gets 429s, one log line and a counter bump per denial,
// while every other peer keeps its own budget.
package ratelimit
