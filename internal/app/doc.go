// Package app provides the composition layer for the certificate wallet
// engine.
//
// # Architecture Role
//
// The app package wires the engine services together and manages their
// lifecycle. It is NOT a business logic layer - business logic belongs in
// internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── certificate/    # Health certificates and holder names
//	│   ├── coronatest/     # Registered corona tests
//	│   ├── issuance/       # Certificate issuance requests
//	│   └── person/         # Grouped holder identities
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (CertificateStore, TestStore, ...)
//	│   ├── memory/         # In-memory implementation for testing
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Business logic services
//	│   ├── grouping/       # Person grouping over the certificate set
//	│   ├── validity/       # Trust-state classification and re-evaluation
//	│   ├── revocation/     # Chunked revocation list matching
//	│   ├── issuance/       # Token-to-certificate issuance protocol
//	│   ├── testlifecycle/  # Test registration, polling and aging
//	│   └── deniability/    # Plausible-deniability cover traffic
//	├── transport/          # HTTP client against the backend
//	├── httpapi/            # REST API handlers and routing
//	├── system/             # Service lifecycle management
//	└── metrics/            # Prometheus metrics
//
// # Dependency Direction
//
//	cmd/walletcore/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │           │
//	      │           └──► internal/app/transport/
//	      │
//	      └──► internal/app/storage/ (persistence)
//
// # Example: Adding a New Domain
//
// When adding a new domain (e.g. "tickets"):
//
//  1. Create domain models in internal/app/domain/tickets/
//  2. Add a storage interface to internal/app/storage/interfaces.go
//  3. Implement storage in internal/app/storage/postgres/ and memory/
//  4. Create the service in internal/app/services/tickets/
//  5. Wire the service in internal/app/application.go
//  6. Add HTTP handlers in internal/app/httpapi/
package app
