package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key derives a stable cache key from a callee name and its arguments.
// Map keys are serialised in sorted order, so argument order never matters.
// Arguments that cannot be marshalled fall back to their fmt representation.
func Key(callee string, args map[string]any) string {
	payload, err := json.Marshal(args)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", args))
	}
	h := sha256.New()
	h.Write([]byte(callee))
	h.Write([]byte{'|'})
	h.Write(payload)
	return callee + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}
