package signals

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/erfianugrah/forminator-sub000/pkg/metadata"
)

// datacenterASNs are networks no genuine mobile handset originates from.
var datacenterASNs = map[int]struct{}{
	16509: {}, // Amazon
	14618: {}, // Amazon EC2
	8075:  {}, // Microsoft
	15169: {}, // Google
	14061: {}, // DigitalOcean
	24940: {}, // Hetzner
	16276: {}, // OVH
	63949: {}, // Linode
}

// mobileRTTFloorMs is the RTT below which a claimed-mobile client is not
// plausibly on a cellular link.
const mobileRTTFloorMs = 5

// HeaderStackHash derives the canonical header-stack fingerprint: the
// sorted client header names plus the user agent, JCS-canonicalized and
// SHA-256 hashed. Identical stacks yield identical hashes regardless of
// map ordering at the source.
func HeaderStackHash(md metadata.RequestMetadata) string {
	if len(md.HeaderNames) == 0 && md.UserAgent == "" {
		return ""
	}
	raw, err := json.Marshal(map[string]any{
		"headers":   md.HeaderNames,
		"userAgent": md.UserAgent,
	})
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// latencyMismatch scores claimed-mobile clients whose network
// characteristics do not fit a handset: an implausibly low RTT, a
// datacenter ASN, or both.
func latencyMismatch(md metadata.RequestMetadata) float64 {
	if !claimsMobile(md.UserAgent) {
		return 0
	}
	lowRTT := md.ClientTCPRtt > 0 && md.ClientTCPRtt < mobileRTTFloorMs
	_, datacenter := datacenterASNs[md.ASN]

	switch {
	case lowRTT && datacenter:
		return 100
	case lowRTT:
		return 80
	case datacenter:
		return 60
	default:
		return 0
	}
}

func claimsMobile(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	return strings.Contains(ua, "mobile") ||
		strings.Contains(ua, "android") ||
		strings.Contains(ua, "iphone") ||
		strings.Contains(ua, "ipad")
}
