// Package evidence builds compliance archives: the raw credential, its
// verification verdict, the full audit trail, and a human-readable
// summary, zipped byte-reproducibly.
package evidence

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/authvault/backend/internal/audit"
	"github.com/authvault/backend/internal/authorization"
	"github.com/authvault/backend/internal/verification"
)

// Pack is a finished evidence archive.
type Pack struct {
	Filename string
	Bytes    []byte
}

// Exporter assembles evidence packs. It is pure: loading the
// authorization and audit trail, and recording the EXPORTED event, are
// the caller's job.
type Exporter struct{}

// NewExporter creates the exporter.
func NewExporter() *Exporter { return &Exporter{} }

// Export builds the archive for one authorization. The same inputs
// always produce the same bytes: member names are sorted, member
// timestamps are pinned to the authorization's updated_at, and all JSON
// is marshalled with sorted keys and stable indentation.
func (e *Exporter) Export(auth *authorization.Authorization, trail []*audit.Event, exportedAt time.Time) (*Pack, error) {
	members, err := e.members(auth, trail)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: auth.UpdatedAt.UTC()}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("create archive member %s: %w", name, err)
		}
		if _, err := w.Write(members[name]); err != nil {
			return nil, fmt.Errorf("write archive member %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}

	filename := fmt.Sprintf("evidence_pack_%s_%s_%s.zip",
		auth.Protocol, auth.ID.String()[:8], exportedAt.UTC().Format("20060102_150405"))
	return &Pack{Filename: filename, Bytes: buf.Bytes()}, nil
}

func (e *Exporter) members(auth *authorization.Authorization, trail []*audit.Event) (map[string][]byte, error) {
	members := make(map[string][]byte)

	switch auth.Protocol {
	case verification.ProtocolAP2:
		jws, err := rawJWS(auth.RawPayload)
		if err != nil {
			return nil, err
		}
		members["vc_jwt.txt"] = []byte(jws)
		cred, err := decodeCredential(jws)
		if err != nil {
			return nil, err
		}
		members["credential.json"] = cred
	case verification.ProtocolACP:
		token, err := stableJSON(map[string]interface{}{
			"raw":    json.RawMessage(auth.RawPayload),
			"parsed": parsedToken(auth),
		})
		if err != nil {
			return nil, err
		}
		members["token.json"] = token
	default:
		return nil, fmt.Errorf("unknown protocol %q", auth.Protocol)
	}

	vr, err := stableJSON(map[string]interface{}{
		"status":     string(auth.VerificationStatus),
		"reason":     auth.VerificationReason,
		"issuer":     auth.Issuer,
		"subject":    auth.Subject,
		"expires_at": auth.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	members["verification.json"] = vr

	at, err := stableJSON(trail)
	if err != nil {
		return nil, err
	}
	members["audit.json"] = at

	members["summary.txt"] = summary(auth, trail)
	return members, nil
}

// rawJWS pulls the compact JWS back out of the stored envelope.
func rawJWS(raw []byte) (string, error) {
	var envelope struct {
		VCJWT string `json:"vc_jwt"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.VCJWT == "" {
		// Raw compact form was stored directly.
		s := strings.TrimSpace(string(raw))
		if strings.Count(s, ".") == 2 {
			return s, nil
		}
		return "", fmt.Errorf("stored payload is not a JWS envelope")
	}
	return envelope.VCJWT, nil
}

// decodeCredential re-decodes the JWS header and claims without
// re-verifying; the stored verification verdict is authoritative.
func decodeCredential(jws string) ([]byte, error) {
	parts := strings.Split(jws, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed JWS")
	}
	decode := func(seg string) (map[string]interface{}, error) {
		b, err := base64.RawURLEncoding.DecodeString(seg)
		if err != nil {
			return nil, err
		}
		var m map[string]interface{}
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	header, err := decode(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode JWS header: %w", err)
	}
	payload, err := decode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode JWS payload: %w", err)
	}
	return stableJSON(map[string]interface{}{"header": header, "payload": payload})
}

func parsedToken(auth *authorization.Authorization) map[string]interface{} {
	parsed := map[string]interface{}{
		"issuer":     auth.Issuer,
		"subject":    auth.Subject,
		"currency":   auth.Currency,
		"expires_at": auth.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if auth.AmountLimit != nil {
		parsed["max_amount"] = auth.AmountLimit.StringFixed(2)
	}
	if len(auth.Scope) > 0 {
		parsed["constraints"] = auth.Scope
	}
	return parsed
}

func summary(auth *authorization.Authorization, trail []*audit.Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "EVIDENCE PACK\n=============\n\n")
	fmt.Fprintf(&b, "Authorization: %s\n", auth.ID)
	fmt.Fprintf(&b, "Protocol:      %s\n", auth.Protocol)
	fmt.Fprintf(&b, "Tenant:        %s\n", auth.TenantID)
	fmt.Fprintf(&b, "Issuer:        %s\n", auth.Issuer)
	fmt.Fprintf(&b, "Subject:       %s\n", auth.Subject)
	if auth.AmountLimit != nil {
		fmt.Fprintf(&b, "Amount limit:  %s %s\n", auth.AmountLimit.StringFixed(2), auth.Currency)
	}
	fmt.Fprintf(&b, "Status:        %s\n", auth.Status)
	fmt.Fprintf(&b, "Verification:  %s (%s)\n", auth.VerificationStatus, auth.VerificationReason)
	fmt.Fprintf(&b, "Expires:       %s\n", auth.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Created:       %s\n", auth.CreatedAt.UTC().Format(time.RFC3339))
	if auth.DeletedAt != nil {
		fmt.Fprintf(&b, "Deleted:       %s\n", auth.DeletedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "\nAUDIT TRAIL (%d events)\n", len(trail))
	for _, ev := range trail {
		fmt.Fprintf(&b, "  %s  %-10s", ev.Timestamp.UTC().Format(time.RFC3339), ev.Type)
		if len(ev.Details) > 0 {
			if detail, err := stableJSON(ev.Details); err == nil {
				fmt.Fprintf(&b, "  %s", compactLine(detail))
			}
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// stableJSON marshals with two-space indentation; encoding/json sorts
// map keys, which is what makes the archive reproducible.
func stableJSON(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func compactLine(indented []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, indented); err != nil {
		return string(indented)
	}
	return buf.String()
}
