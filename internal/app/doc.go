// Package app assembles the ChainLoop components from configuration: logging,
// the language model client, the action interpreter, session history, alerting,
// the tool provider dialer and the task store and queue. The binaries under
// cmd/ share it so the daemon and the one-shot CLI build identical orchestrators.
package app
