// Package protocol implements the voice data frame codec and bit-level payload alignment.
// Voice frames carry a bit-addressed buffer; AlignBits realigns the voice payload
// to a byte boundary before it is handed to the session engine.
package protocol
