package store

import (
	"database/sql"
	"encoding/json"

	"github.com/erfianugrah/forminator-sub000/pkg/metadata"
)

// Fingerprint is the request fingerprint columns shared by submissions and
// validations.
type Fingerprint struct {
	RemoteIP     string `db:"remote_ip"`
	Country      string `db:"country"`
	Region       string `db:"region"`
	City         string `db:"city"`
	ASN          int    `db:"asn"`
	Colo         string `db:"colo"`
	HTTPProtocol string `db:"http_protocol"`
	TLSVersion   string `db:"tls_version"`
	TLSCipher    string `db:"tls_cipher"`
	BotScore     int    `db:"bot_score"`
	TrustScore   int    `db:"trust_score"`
	VerifiedBot  bool   `db:"verified_bot"`
	JSDetection  bool   `db:"js_detection"`
	DetectionIDs string `db:"detection_ids"` // JSON array of ints
	JA3Hash      string `db:"ja3_hash"`
	JA4          string `db:"ja4"`
	JA4Signals   string `db:"ja4_signals"` // JSON object
	UserAgent    string `db:"user_agent"`
	ClientTCPRtt int    `db:"client_tcp_rtt"`
	HeaderFPHash string `db:"header_fp_hash"`
}

// FingerprintFrom flattens request metadata into the persisted columns.
// headerFPHash is the canonical header-stack hash computed upstream.
func FingerprintFrom(md metadata.RequestMetadata, headerFPHash string) Fingerprint {
	ids, _ := json.Marshal(md.DetectionIDs)
	sig, _ := json.Marshal(md.JA4Signals)
	return Fingerprint{
		RemoteIP:     md.RemoteIP,
		Country:      md.Country,
		Region:       md.Region,
		City:         md.City,
		ASN:          md.ASN,
		Colo:         md.Colo,
		HTTPProtocol: md.HTTPProtocol,
		TLSVersion:   md.TLSVersion,
		TLSCipher:    md.TLSCipher,
		BotScore:     md.BotScore,
		TrustScore:   md.TrustScore,
		VerifiedBot:  md.VerifiedBot,
		JSDetection:  md.JSDetectionPassed,
		DetectionIDs: string(ids),
		JA3Hash:      md.JA3Hash,
		JA4:          md.JA4,
		JA4Signals:   string(sig),
		UserAgent:    md.UserAgent,
		ClientTCPRtt: md.ClientTCPRtt,
		HeaderFPHash: headerFPHash,
	}
}

// Submission is an admitted form submission. Immutable after insert.
type Submission struct {
	ID          string         `db:"id"`
	CreatedAt   string         `db:"created_at"`
	FirstName   string         `db:"first_name"`
	LastName    string         `db:"last_name"`
	Email       string         `db:"email"`
	Phone       sql.NullString `db:"phone"`
	Address     sql.NullString `db:"address"`
	DateOfBirth sql.NullString `db:"date_of_birth"`
	EphemeralID sql.NullString `db:"ephemeral_id"`
	Fingerprint
}

// Validation is a CAPTCHA verification attempt, recorded whether or not
// the request was admitted. Immutable after insert.
type Validation struct {
	ID           string          `db:"id"`
	TokenHash    string          `db:"token_hash"`
	Success      bool            `db:"success"`
	Allowed      bool            `db:"allowed"`
	BlockReason  sql.NullString  `db:"block_reason"`
	ChallengeTS  sql.NullString  `db:"challenge_ts"`
	Hostname     sql.NullString  `db:"hostname"`
	Action       sql.NullString  `db:"action"`
	EphemeralID  sql.NullString  `db:"ephemeral_id"`
	RiskScore    float64         `db:"risk_score"`
	ErrorCodes   string          `db:"error_codes"` // JSON array of strings
	SubmissionID sql.NullString  `db:"submission_id"`
	CreatedAt    string          `db:"created_at"`
	Fingerprint
}

// BlacklistEntry blocks a device ID or an IP until it expires.
type BlacklistEntry struct {
	ID                string         `db:"id"`
	EphemeralID       sql.NullString `db:"ephemeral_id"`
	IPAddress         sql.NullString `db:"ip_address"`
	BlockReason       string         `db:"block_reason"`
	Confidence        string         `db:"confidence"`
	BlockedAt         string         `db:"blocked_at"`
	ExpiresAt         string         `db:"expires_at"`
	OffenseCount      int            `db:"offense_count"`
	DetectionMetadata sql.NullString `db:"detection_metadata"` // canonical JSON
}

// NullString wraps a possibly-empty string into its nullable column form.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
