// Package metadata extracts the request fingerprint from the incoming HTTP
// request and the trusted edge-populated header bundle. It is a pure
// transformation: no I/O, no stored state.
package metadata

import (
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// UnknownIP is the sentinel used when no client address can be determined.
const UnknownIP = "0.0.0.0"

// edgePrefix marks headers populated by the trusted edge proxy. The proxy
// strips this prefix from client traffic, so values carrying it are never
// client-controllable.
const edgePrefix = "x-edge-"

// JA4Signals are the behavioral ratios attached to a JA4 fingerprint by the
// edge bot-management layer.
type JA4Signals struct {
	H2H3Ratio1H      float64 `json:"h2h3_ratio_1h"`
	HeuristicRatio1H float64 `json:"heuristic_ratio_1h"`
	ReqsQuantile1H   float64 `json:"reqs_quantile_1h"`
	UASRank1H        float64 `json:"uas_rank_1h"`
	BrowserRatio1H   float64 `json:"browser_ratio_1h"`
	PathsRank1H      float64 `json:"paths_rank_1h"`
	ReqsRank1H       float64 `json:"reqs_rank_1h"`
	CacheRatio1H     float64 `json:"cache_ratio_1h"`
}

// RequestMetadata is the full request fingerprint consumed by the signal
// collector and persisted with submissions and validations.
type RequestMetadata struct {
	RemoteIP     string `json:"remoteIp"`
	Country      string `json:"country"`
	Region       string `json:"region"`
	City         string `json:"city"`
	ASN          int    `json:"asn"`
	Colo         string `json:"colo"`
	HTTPProtocol string `json:"httpProtocol"`
	TLSVersion   string `json:"tlsVersion"`
	TLSCipher    string `json:"tlsCipher"`

	BotScore          int   `json:"botScore"`
	TrustScore        int   `json:"trustScore"`
	VerifiedBot       bool  `json:"verifiedBot"`
	JSDetectionPassed bool  `json:"jsDetectionPassed"`
	DetectionIDs      []int `json:"detectionIds"`

	JA3Hash    string     `json:"ja3Hash"`
	JA4        string     `json:"ja4"`
	JA4Signals JA4Signals `json:"ja4Signals"`

	UserAgent    string `json:"userAgent"`
	ClientTCPRtt int    `json:"clientTcpRtt"`

	// HeaderNames is the sorted set of client header names, the raw
	// material for the header-stack fingerprint.
	HeaderNames []string `json:"headerNames"`

	// EphemeralID is filled in after CAPTCHA verification.
	EphemeralID string `json:"ephemeralId,omitempty"`
}

// FromRequest builds a RequestMetadata from the request. Edge-populated
// fields win; forwarding headers are only consulted for the client address.
func FromRequest(r *http.Request) RequestMetadata {
	md := RequestMetadata{
		RemoteIP:     clientIP(r),
		Country:      r.Header.Get("cf-ipcountry"),
		Region:       edge(r, "region"),
		City:         edge(r, "city"),
		ASN:          edgeInt(r, "asn"),
		Colo:         edge(r, "colo"),
		HTTPProtocol: edgeOr(r, "http-protocol", r.Proto),
		TLSVersion:   edge(r, "tls-version"),
		TLSCipher:    edge(r, "tls-cipher"),

		BotScore:          edgeInt(r, "bot-score"),
		TrustScore:        edgeInt(r, "trust-score"),
		VerifiedBot:       edgeBool(r, "verified-bot"),
		JSDetectionPassed: edgeBool(r, "js-detection"),
		DetectionIDs:      edgeInts(r, "detection-ids"),

		JA3Hash: edge(r, "ja3-hash"),
		JA4:     edge(r, "ja4"),

		UserAgent:    r.Header.Get("User-Agent"),
		ClientTCPRtt: edgeInt(r, "client-tcp-rtt"),
		HeaderNames:  headerNames(r),
	}

	if raw := edge(r, "ja4-signals"); raw != "" {
		// Malformed signal blobs degrade to zeroes rather than failing
		// the request.
		_ = json.Unmarshal([]byte(raw), &md.JA4Signals)
	}
	return md
}

// clientIP resolves the client address: edge header first, then the usual
// forwarding headers, then the socket peer, then the sentinel.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("cf-connecting-ip"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("x-real-ip"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return UnknownIP
}

// headerNames returns the sorted lowercase client header names, excluding
// edge-populated and hop-by-hop headers.
func headerNames(r *http.Request) []string {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		lower := strings.ToLower(name)
		switch {
		case strings.HasPrefix(lower, edgePrefix):
		case strings.HasPrefix(lower, "cf-"):
		case lower == "connection" || lower == "keep-alive" || lower == "transfer-encoding":
		default:
			names = append(names, lower)
		}
	}
	sort.Strings(names)
	return names
}

func edge(r *http.Request, key string) string {
	return r.Header.Get(edgePrefix + key)
}

func edgeOr(r *http.Request, key, fallback string) string {
	if v := edge(r, key); v != "" {
		return v
	}
	return fallback
}

func edgeInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(edge(r, key))
	if err != nil {
		return 0
	}
	return v
}

func edgeBool(r *http.Request, key string) bool {
	return edge(r, key) == "true" || edge(r, key) == "1"
}

func edgeInts(r *http.Request, key string) []int {
	raw := edge(r, key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, n)
		}
	}
	return out
}
