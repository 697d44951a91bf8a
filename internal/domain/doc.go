// Package domain provides the core types of the habit progress ledger.
//
// This package contains type definitions, identity hashing, and the error
// taxonomy. All other internal packages import domain; domain imports nothing
// internal. This keeps it the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Progress values are int64, never floats
//   - Ordering uses sequence numbers only, never wall-clock timestamps
//   - The guest identity is the empty string and nothing else
//   - Completion status is always computed from progress and goal
//   - All JSON tags use snake_case
package domain
