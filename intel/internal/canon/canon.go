// Package canon turns item URLs into their canonical form and derives the
// stable item identity from it. It also peels known redirect wrappers.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned for URLs that cannot identify an item.
var ErrInvalidURL = errors.New("canon: invalid URL")

// trackingParams are query keys that never identify content.
var trackingParams = map[string]bool{
	"fbclid": true, "gclid": true, "dclid": true, "msclkid": true, "yclid": true,
	"mc_cid": true, "mc_eid": true, "igshid": true, "_ga": true, "_gl": true,
	"ref": true, "ref_src": true, "ref_url": true, "referrer": true,
	"cmpid": true, "ocid": true, "smid": true, "smtyp": true, "sr_share": true,
	"guccounter": true, "guce_referrer": true, "guce_referrer_sig": true,
	"ito": true, "itm_source": true, "itm_medium": true, "itm_campaign": true,
	"spm": true, "s_cid": true, "soc_src": true, "soc_trk": true, "oc": true,
}

// trackingPrefixes are query key prefixes that never identify content.
var trackingPrefixes = []string{"utm_", "at_", "pk_", "mtm_", "hsa_", "__"}

func isTracking(key string) bool {
	k := strings.ToLower(key)
	if trackingParams[k] {
		return true
	}
	for _, p := range trackingPrefixes {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	return false
}

// Canonicalize normalizes an http(s) URL: lowercase scheme and host, no
// default port, no fragment, no tracking parameters, remaining parameters
// sorted, no trailing slash. http is not upgraded to https.
func Canonicalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if port := u.Port(); port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host += ":" + port
	}

	u.Scheme = scheme
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if isTracking(k) {
				delete(q, k)
			}
		}
		u.RawQuery = q.Encode()
	}
	u.ForceQuery = false
	return u.String(), nil
}

// Hash is the item identity: hex SHA-256 of the canonical URL.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Identify unwraps raw, canonicalizes it and returns the canonical URL
// together with its hash.
func Identify(raw string) (canonical, id string, err error) {
	canonical, err = Canonicalize(Unwrap(raw))
	if err != nil {
		return "", "", err
	}
	return canonical, Hash(canonical), nil
}
