package meta

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet URI (BEP 9 "xt"/"dn"/"tr" parameters).
type Magnet struct {
	InfoHash [sha1.Size]byte
	Name     string
	Trackers []string
}

// ParseMagnet parses a magnet: URI into its info-hash, display name, and
// tracker list. Only the v1 (SHA-1, "urn:btih:") info-hash form is
// supported.
func ParseMagnet(magnetURL string) (*Magnet, error) {
	u, err := url.Parse(magnetURL)
	if err != nil {
		return nil, fmt.Errorf("meta: magnet url parse failed: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("meta: invalid magnet scheme '%s'", u.Scheme)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("meta: magnet params parse failed: %w", err)
	}

	magnet := &Magnet{}

	xt, ok := params["xt"]
	if !ok || len(xt) == 0 {
		return nil, fmt.Errorf("meta: magnet url missing 'xt'")
	}
	xtVal := xt[0]
	if !strings.HasPrefix(xtVal, "urn:btih:") {
		return nil, fmt.Errorf("meta: invalid 'xt' value: must be 'urn:btih:<hash>'")
	}

	hashString := strings.TrimPrefix(xtVal, "urn:btih:")
	if len(hashString) != sha1.Size*2 {
		return nil, fmt.Errorf("meta: invalid infohash length")
	}
	hashBytes, err := hex.DecodeString(hashString)
	if err != nil {
		return nil, fmt.Errorf("meta: failed to decode infohash: %w", err)
	}
	copy(magnet.InfoHash[:], hashBytes)

	if dn, ok := params["dn"]; ok && len(dn) > 0 {
		magnet.Name = dn[0]
	}

	if tr, ok := params["tr"]; ok {
		magnet.Trackers = tr
	}

	return magnet, nil
}
