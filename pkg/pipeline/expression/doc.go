// Package expression evaluates `if` predicates and `${{ }}` interpolations.
//
// It uses the expr-lang/expr library against a fixed schema built from the
// run context. Predicates support:
//
//   - Run context: event, ref, sha, repository, actor, branch, tag
//   - Namespaces: github.*, matrix.*, env.*, secrets.*, needs.<job>.result, steps.<id>.outcome
//   - Comparisons: ==, !=, <, >, <=, >=
//   - Boolean logic: &&, ||, !, and, or, not
//   - Membership: "value" in array
//   - String operators: startsWith, endsWith, contains, matches
//   - Status functions: success(), failure(), always(), cancelled()
//
// Example predicates:
//
//	event == 'push' && ref startsWith 'refs/tags/'
//	matrix.python == '3.7'
//	${{ always() }}
//	needs.build.result == 'failed'
//
// A predicate that does not call a status function is gated on success():
// it only runs when every dependency succeeded (or was skipped by its own
// predicate). Referencing an unknown name is a compile error.
//
// Matrix values are strings, so compare them against quoted literals.
package expression
