// Package app composes a node from configuration.
//
// A ledger node owns the base ledger store, the validator pool, one
// delegation manager per entity kind, the recovery worker and, when
// enabled, the auto-commit scheduler. Without configured validators it
// also hosts an in-process executor whose API is mounted under
// EphemeralPrefix.
//
// An executor node owns a working set store and serves the executor
// protocol plus ephemeral instructions.
//
//	cmd/ledger, cmd/executor
//	      │
//	      ▼
//	internal/app (composition)
//	      ├──► internal/app/httpapi, internal/execlayer/httpexec
//	      ├──► internal/program, internal/delegation
//	      ├──► internal/engine/recovery, internal/app/scheduler
//	      └──► internal/app/storage, internal/execlayer
package app
