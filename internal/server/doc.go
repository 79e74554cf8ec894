// Package server is the HTTP and WebSocket edge of GoChat.
//
// A Server upgrades /ws requests, authenticates them and admits each socket
// into the dispatch service, which from then on owns the connection. The
// server keeps only the per-socket read loop, keepalive and rate limiter.
// Health, test page and metrics routes live alongside.
package server
