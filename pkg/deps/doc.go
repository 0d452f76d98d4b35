/*
Package deps statically discovers the third-party dependencies of a source
string before the interpreter worker runs it.

The inspector scans top-level import statements, strips dotted suffixes,
drops standard-library names against an embedded table, and probes the
remainder against the target environment in a single interpreter invocation.
What survives is translated to installable distribution names through a small
alias table and handed to the package installer.

Inspection is deliberately tolerant: lines that do not parse as imports are
skipped, nothing is ever reported as an error, and probe failures degrade to
the static set. The scan does not check syntax, so well-formed import lines
are returned even when other lines are invalid; the worker checks syntax
before it inspects. The evaluator, not the inspector, owns error reporting
for bad code.
*/
package deps
