/*
Package types defines the core data model shared across Cillow: environments
and their normalization, the (client, environment) worker key, request kinds,
the exception taxonomy, and the timing constants the pool and broker agree on.

It has no dependencies on other Cillow packages so that every layer — the
broker, the interpreter worker child process, and the client wrapper — can
share one vocabulary.
*/
package types
