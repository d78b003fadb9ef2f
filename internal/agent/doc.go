// Package agent contains the request orchestrator. A natural-language request
// is turned into a Plan of typed Actions by an Interpreter, the Plan is run
// step by step against the tool provider through a Link, and the Evaluator
// scores the outcome. The Orchestrator drives the Planning, Executing and
// Evaluating states and decides whether to accept, retry the same Plan,
// replan with the failure rationale, or give up.
package agent
