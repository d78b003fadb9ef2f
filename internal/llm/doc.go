// Package llm defines the provider-neutral completion client used by the
// model-backed interpreter and relevance judge. Provider adapters live in the
// openai, anthropic and pythonbridge subpackages.
package llm
