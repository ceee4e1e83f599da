// Package harness provides scripted end-to-end testing for gapwise
// workflow runs.
//
// A fixture is a YAML file scripting every collaborator the engine
// talks to: the source document, the target specification, structured
// task results, and per-query candidate sets. The runner wires the
// fixture into a real engine over a real SQLite store, so a harness
// test exercises the same checkpointing, quota accounting, and caching
// paths as production.
//
// # Fixture Format
//
//	name: happy_path
//	description: "What this fixture exercises"
//	source_text: "experienced backend engineer ..."
//	target_spec: "platform engineer role needing ..."
//	tasks:
//	  analyze_target_spec:
//	    results:
//	      - value: { role_title: "Platform Engineer", skills: [terraform] }
//	  score_document:
//	    results:
//	      - value: { overall: 55, missing_skills: [terraform] }
//	      - value: { overall: 78, missing_skills: [] }
//	searches:
//	  - query: "terraform tutorial project for Platform Engineer"
//	    candidates:
//	      - id: vid-1
//	        title: "Terraform from scratch"
//	        ...
//
// A task scripts a sequence of results; call n past the end of the
// sequence replays the last entry, so a single entry behaves as a
// constant responder. A result may instead carry an error code from
// the failure taxonomy, which is how fixtures exercise retry and
// failure paths. Searches may fail their first n calls the same way
// via fail_first.
//
// # Deterministic Execution
//
// The runner pins the engine clock, run id generation, and backoff
// sleeps, and fixtures are pure functions of their YAML. Identical
// fixtures therefore produce identical artifacts, which makes run
// snapshots comparable against golden files (regenerate with
// go test ./internal/harness -update).
package harness
