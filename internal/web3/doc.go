// Package web3 houses the chain-facing building blocks used by the tool
// provider: the Client abstraction implemented per chain family, address
// checksum rules, unit parsing, ABI calldata encoding, signer keys and the
// YAML chain definitions consumed by the provider registry.
package web3
