package signer

import "errors"

// errShortSignature is returned when a hex-encoded signature or commitment
// string is too short to contain the expected point/scalar encoding.
var errShortSignature = errors.New("signer: encoded value too short")
