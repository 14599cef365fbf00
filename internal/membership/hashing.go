package membership

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// hash calculates a stable hex digest of a struct.
// Calculating hashes of a generic struct involves two steps:
//   - serialization of the object to a byte array. Specifically this function uses
//     json serialization for this purpose, though other serialization libraries might
//     be more efficient.
//   - hashing of the serialized data by creating a digest
func hash(v any) (string, error) {

	buf := bytes.NewBuffer(make([]byte, 0))
	err := json.NewEncoder(buf).Encode(v)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}
