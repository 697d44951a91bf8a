// Package harness runs multi-device scenarios for the progress ledger.
//
// A scenario is a YAML file that declares a habit catalog, a start date and
// a set of devices, then drives those devices through steps: recording
// progress, syncing, compacting, signing in and out, migrating guest data,
// taking the remote down and moving the clock. Assertions check the final
// state, and the rendered snapshot of every device is compared against a
// golden file.
//
// # Scenario Format
//
//	name: two_devices
//	description: Edits on two devices converge
//	today: 2024-03-04
//	catalog: |
//	  habit: run: {name: "Run", type: "formation", goal: 5}
//	devices:
//	  - id: phone
//	    user: alice
//	  - id: laptop
//	    user: alice
//	steps:
//	  - device: phone
//	    add: {habit: run, date: 2024-03-04, value: 3}
//	  - device: phone
//	    sync: true
//	  - remote: down
//	  - device: laptop
//	    sync: true
//	    expect_error: REMOTE_FAILURE
//	assertions:
//	  - type: record
//	    device: phone
//	    user: alice
//	    habit: run
//	    date: 2024-03-04
//	    expect: {progress: 3, is_completed: false}
//
// # Assertion Types
//
//   - record: a completion record matches expected fields (exists: false
//     asserts it is absent)
//   - aggregate: a user's XP aggregate matches expected fields
//   - health: a device's sync health matches expected fields
//   - event_count: a habit day holds exactly N local events
//   - remote_count: the remote holds exactly N documents for a user
//   - converged: several devices hold the same records for a user
//
// # Deterministic Testing
//
// Every device uses an isolated in-memory SQLite database. All devices share
// one in-memory remote and one fake clock starting at 12:00 UTC on the
// scenario's today, so snapshots are identical across runs.
package harness
