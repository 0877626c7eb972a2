// Package hexutil provides the lowercase hex encode/decode contract used
// throughout syncstream for logging identifiers and the CLI.
package hexutil

import "encoding/hex"

// Of renders data as lowercase hex.
func Of(data []byte) string {
	return hex.EncodeToString(data)
}

// From decodes lowercase or uppercase hex, rejecting odd length or
// non-hex-digit input.
func From(text string) ([]byte, error) {
	return hex.DecodeString(text)
}
