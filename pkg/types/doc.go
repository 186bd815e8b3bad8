/*
Package types provides the core interfaces, data structures, and type definitions for syncengine.

This package is the contract between the engine's components and the application that embeds
them. Everything that crosses a component boundary is declared here so that the connection
pool, the batch controller, the tiered cache and the stream processor can be wired together
and replaced independently.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│               Application                   │
	│        (pkg/engine, cmd/syncengine)         │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             Batch Controller                │
	│              (internal/batch)               │
	└─────────────────────────────────────────────┘
	          │              │              │
	┌─────────┴───┐ ┌────────┴────┐ ┌───────┴──────┐
	│ Connection  │ │ Tiered      │ │ Stream       │
	│ Pool        │ │ Cache       │ │ Processor    │
	└─────────────┘ └─────────────┘ └──────────────┘
	      │                │
	 Transport          KVStore

# Collaborator Interfaces

Transport / Conn:
A Transport dials keep-alive connections; a Conn executes one Request at a time and
reports how long its last connect took. The HTTP implementation lives in
internal/transport, tests substitute fakes.

KVStore:
The persistent, TTL-only store behind the L2 cache tier. Implementations live under
internal/storage (memory, disk, pebble, sqlite, s3).

MetricsProvider:
Memory usage, memory limit and load average for adaptive sizing, plus an explicit
reclamation hook. pkg/memmon provides the process implementation.

Logger:
Structured logging with a field map per call. pkg/utils.StructuredLogger satisfies it.

# Results

A RequestResult is produced exactly once per Request and never mutated afterwards.
Callers distinguish three outcomes: Success, attempted-and-failed (Attempted with Err set),
and not attempted (Attempted false) when a batch ends before dispatching the request.
*/
package types
