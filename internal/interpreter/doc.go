// Package interpreter groups the Action Interpreters that turn a natural
// language request into a sequence of agent actions. The rules subpackage is a
// deterministic pattern matcher; llmplan asks a language model for a JSON plan.
package interpreter
