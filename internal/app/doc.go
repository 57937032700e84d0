// Package app contains the core application logic. It wires configuration,
// the graph and history stores, the runner and the status feed together,
// decoupled from any specific entrypoint like a CLI.
package app
