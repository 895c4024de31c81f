package relaygraph

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent fingerprints syncable content. Equal content always yields
// an equal hash, which is what makes convergent re-saves succeed.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// contentHashFor returns the node's recorded fingerprint, deriving it from
// the content property when none was supplied.
func contentHashFor(node Node) string {
	if node.Sync.ContentHash != "" {
		return node.Sync.ContentHash
	}
	if content, ok := node.Content(); ok {
		return HashContent(content)
	}
	return ""
}
