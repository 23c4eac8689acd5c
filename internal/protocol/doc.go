// Package protocol owns the crisscross wire contract.
//
// Ownership boundary:
// - frame: magic sequences and length field layout
// - value: structured header/content values and their JSON codec
// - stream: incremental decoding with resync on framing violations
// - packet: frame encoding with injected packet metadata
package protocol
