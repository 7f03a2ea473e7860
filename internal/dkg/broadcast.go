package dkg

import "encoding/json"

// mustJSON marshals a wire payload struct. Every payload type in pkg/wire
// is a plain struct of strings/bytes/slices, so marshaling cannot fail in
// practice; a panic here would indicate a programming error in this
// package, not a runtime condition callers need to handle.
func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("dkg: marshaling wire payload: " + err.Error())
	}
	return b
}

func fromJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
