// Package msg defines the message codec the bus relies on to read routing
// ids and sizes from payloads and to run origination/verification hooks.
package msg
