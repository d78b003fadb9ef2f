// Package toolprovider implements the chain capability set served by the
// chainloop-tools process. Each capability is a toolrpc method whose
// parameters are checked against a JSON schema before any chain access, and a
// capability policy decides which methods the process exposes.
package toolprovider
