// Package web3 houses blockchain connectivity utilities: the chain client
// contract used by the transaction pipeline, unit conversion helpers, and the
// optional multi-network definition file.
package web3
