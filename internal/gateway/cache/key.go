package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key derives the cache key for an operation and its parameters. Params
// are encoded as canonical JSON (object keys sorted), so argument order
// never matters. Callers normalize values (trim, reformat dates) first.
func Key(operation string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal([]any{operation, params})
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key params: %w", err)
	}

	hash := sha256.Sum256(data)
	return "cache:exact:" + hex.EncodeToString(hash[:]), nil
}
