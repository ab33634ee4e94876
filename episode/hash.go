package episode

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

// ConfigHash computes a short content hash of the agent's effective
// configuration. Go's json encoder sorts map keys, so equal configurations
// hash identically regardless of construction order. The hash is the first
// eight hex characters of the MD5 digest; it tags artifacts for provenance
// and carries no security weight.
func ConfigHash(params Params) string {
	raw, err := json.Marshal(params)
	if err != nil {
		return "unknown"
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])[:8]
}
