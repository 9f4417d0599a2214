// Package web3 provides read-only chain access for the agents: network
// snapshots, gas price suggestions and balances over EVM JSON-RPC, plus the
// YAML chain definitions used to build a multi-chain registry.
package web3
