// Package app composes the payment-layer engines into a running application.
//
// # Architecture Role
//
// The app package sits above the domain, storage and service layers and is
// responsible for wiring them together and managing their lifecycle. It is
// NOT a business logic layer - engine semantics live in
// internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── apperr/             # Structured error kinds shared by all engines
//	├── domain/             # Domain models (pure data structures)
//	│   ├── escrow/         # Escrow records and state machine states
//	│   ├── quote/          # Negotiation quotes and counter-offers
//	│   ├── tip/            # Repository-attributed tips and aggregates
//	│   └── webhook/        # Subscriptions, events, deliveries
//	├── services/           # The four engines plus health
//	│   ├── escrow/         # Escrow state machine and timeout sweeper
//	│   ├── negotiation/    # Quote lifecycle; builds escrows on acceptance
//	│   ├── webhook/        # Registry, durable queue, delivery worker
//	│   ├── tipping/        # Tip state chain, stats, payment executor
//	│   └── health/         # Liveness and host snapshot
//	├── storage/            # Store interfaces and implementations
//	│   ├── memory/         # In-memory store for tests
//	│   ├── file/           # JSON snapshot files with atomic rename
//	│   ├── postgres/       # JSONB document store with migrations
//	│   └── rediseventlog/  # Redis-backed bounded event log
//	├── httpapi/            # REST surface over the engines
//	├── metrics/            # Prometheus collectors
//	└── system/             # Lifecycle manager for background services
//
// Engines are wired leaf-first (webhook, then escrow, then negotiation and
// tipping) so that cross-engine calls follow one direction and events are
// always emitted after the owning engine's snapshot commits.
package app
