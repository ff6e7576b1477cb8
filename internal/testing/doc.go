// Package testing runs YAML test scenarios against mode-aware data contexts.
//
// Every scenario is tagged with the mode it needs. Before the first step
// the runner asks its Hooks for a data context: the tags are resolved
// against the process environment and the context manager walks the
// resulting candidates, falling back from production to isolated data for
// dual scenarios. After the last step, cleanup steps run and the context is
// released, whatever happened before.
//
// ## Test Scenario Structure
//
//	```yaml
//	name: nearest-route-assignment
//	description: Tickets are assigned to the closest route
//	tags: [isolated]
//	fixture: optimal-assignment
//	steps:
//	  - name: has-routes
//	    action: expect-count
//	    params: {kind: routes, min: 2}
//	  - name: assignments-match-fixture
//	    action: expect-nearest-route
//	  - name: create-ticket
//	    action: create-record
//	    params:
//	      kind: tickets
//	      name: TEST_ticket_extra
//	      as: extra
//	  - name: reject-real-record
//	    action: delete-record
//	    params: {kind: customers, id: cust-real}
//	    expected:
//	      success: false
//	      error_contains: ["safety"]
//	```
//
// ## Results
//
//   - PASSED: every step met its expectation
//   - FAILED: a step missed its expectation, or no mode could provide a context
//   - SKIPPED: the scenario's mode cannot be resolved in this environment
//   - ERROR: a step is malformed or could not finish
//
// Records that could not be cleaned up are reported as warnings on the
// scenario result; they never change the result.
package testing
