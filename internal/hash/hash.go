package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// flowIDLength keeps flow identifiers short enough for log lines and URLs
const flowIDLength = 32

// FlowID derives the deterministic identifier shared by every OAuth attempt of
// one user against one server. Concurrent initiations converge on it.
// The user ID is length-prefixed so ("a:b", "c") and ("a", "b:c") differ.
func FlowID(userID, serverName string) string {
	return StringHash(fmt.Sprintf("%d:%s:%s", len(userID), userID, serverName))[:flowIDLength]
}

// ToolHash computes SHA-256 hash for tool change detection
// Format: sha256(serverName + toolName + parametersSchemaJSON)
func ToolHash(serverName, toolName string, parametersSchema interface{}) (string, error) {
	var schemaBytes []byte
	var err error

	if parametersSchema != nil {
		schemaBytes, err = json.Marshal(parametersSchema)
		if err != nil {
			return "", fmt.Errorf("failed to marshal parameters schema: %w", err)
		}
	}

	return StringHash(serverName + toolName + string(schemaBytes)), nil
}

// StringHash computes SHA-256 hash of a string
func StringHash(input string) string {
	return BytesHash([]byte(input))
}

// BytesHash computes SHA-256 hash of byte slice
func BytesHash(input []byte) string {
	hasher := sha256.New()
	hasher.Write(input)
	return hex.EncodeToString(hasher.Sum(nil))
}
