// Package service implements the HTTP API of a murmur peer.
//
// Read-only routes return copies of the node state:
//
//  GET /status        // node statistics
//  GET /participants  // remote participants of the current channel
//  GET /sessions      // per-peer session state
//  GET /quality       // latest quality sample of every connected peer
//  GET /transport     // active and available transports
//  GET /channels/:id  // registry record of a channel
//  GET /metrics       // prometheus metrics
//
// Intent routes change it, and are protected by a JWT when the service is
// given a secret:
//
//  POST /join       {"channel": "CHAT-1A2B", "name": "standup"}
//  POST /leave
//  POST /mute
//  POST /transport  {"name": "loopback"}
package service
