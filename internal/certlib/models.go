package certlib

/*
ctissuers — active certificate issuer reports from Certificate Transparency search
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// TimestampLayout is the timezone-naive layout crt.sh uses for validity bounds.
// Values are interpreted as UTC.
const TimestampLayout = "2006-01-02T15:04:05"

// OutputTimestampLayout is how validity bounds are rendered in the CSV report.
const OutputTimestampLayout = "2006-01-02 15:04:05"

// CertificateRecord is a single entry of the crt.sh JSON search response.
// Optional fields are pointers so an absent (or null) key can be told apart
// from an empty string.
type CertificateRecord struct {
	ID             int64   `json:"id"`
	IssuerCAID     int64   `json:"issuer_ca_id"`
	IssuerName     string  `json:"issuer_name"`
	CommonName     *string `json:"common_name"`
	NameValue      *string `json:"name_value"`
	NotBefore      *string `json:"not_before"`
	NotAfter       *string `json:"not_after"`
	SerialNumber   string  `json:"serial_number"`
	EntryTimestamp string  `json:"entry_timestamp"`

	// NotAfterMalformed is set when not_after was present but not a JSON string.
	NotAfterMalformed bool `json:"-"`
}

// UnmarshalJSON decodes a record, tolerating validity bounds of the wrong JSON
// type. A non-string not_before is treated as absent; a non-string not_after
// marks the record via NotAfterMalformed so the filter can skip it.
func (r *CertificateRecord) UnmarshalJSON(data []byte) error {
	type plain CertificateRecord
	aux := struct {
		*plain
		NotBefore json.RawMessage `json:"not_before"`
		NotAfter  json.RawMessage `json:"not_after"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.NotBefore, _ = rawString(aux.NotBefore)
	var ok bool
	r.NotAfter, ok = rawString(aux.NotAfter)
	r.NotAfterMalformed = !ok
	return nil
}

// rawString resolves a raw JSON value to an optional string. Absent and null
// values yield (nil, true); anything other than a string yields (nil, false).
func rawString(raw json.RawMessage) (*string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	return &s, true
}

// Fingerprint calculates a NON-CRYPTOGRAPHIC hash (xxh3) over the fields that
// identify a record in the report. Only used for log correlation.
func (r *CertificateRecord) Fingerprint() string {
	var sb strings.Builder
	sb.WriteString(r.IssuerName)
	for _, f := range []*string{r.NotBefore, r.NotAfter, r.CommonName, r.NameValue} {
		sb.WriteByte('|')
		if f != nil {
			sb.WriteString(*f)
		}
	}
	return fmt.Sprintf("%016x", xxh3.HashString(sb.String()))
}

// ActiveCertificateDetail is the flattened view of a record that has not yet expired.
type ActiveCertificateDetail struct {
	Issuer     string
	NotBefore  *time.Time // nil when the record carried no not_before
	NotAfter   time.Time
	CommonName string
	Identities string
}

// SkipReason explains why a record did not make it into the report.
type SkipReason string

const (
	SkipMissingExpiry SkipReason = "missing_expiry"
	SkipBadExpiry     SkipReason = "bad_expiry"
	SkipExpired       SkipReason = "expired"
)

// FilterResult holds the kept details plus a count of skipped records per reason.
type FilterResult struct {
	Active  []ActiveCertificateDetail
	Skipped map[SkipReason]int
}

// ParseTimestamp parses a crt.sh validity timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid certificate timestamp %q: %w", s, err)
	}
	return t, nil
}

// Identities joins the common name with every line of the SAN list.
// The common name is deliberately not removed from the SAN list.
func Identities(commonName, nameValue string) string {
	return commonName + ", " + strings.Join(strings.Split(nameValue, "\n"), ", ")
}

// ExtractActive filters records down to those expiring after the current UTC instant.
func ExtractActive(records []CertificateRecord) []ActiveCertificateDetail {
	return ExtractActiveAt(records, time.Now().UTC()).Active
}

// ExtractActiveAt filters records down to those whose not_after is strictly
// after now. now is evaluated once for the whole pass; input order is kept.
func ExtractActiveAt(records []CertificateRecord, now time.Time) FilterResult {
	res := FilterResult{
		Active:  make([]ActiveCertificateDetail, 0, len(records)),
		Skipped: make(map[SkipReason]int),
	}
	for i := range records {
		rec := &records[i]
		if rec.NotAfterMalformed {
			res.Skipped[SkipBadExpiry]++
			continue
		}
		if rec.NotAfter == nil {
			res.Skipped[SkipMissingExpiry]++
			continue
		}
		notAfter, err := ParseTimestamp(*rec.NotAfter)
		if err != nil {
			res.Skipped[SkipBadExpiry]++
			continue
		}
		if !notAfter.After(now) {
			res.Skipped[SkipExpired]++
			continue
		}

		detail := ActiveCertificateDetail{
			Issuer:   rec.IssuerName,
			NotAfter: notAfter,
		}
		if rec.NotBefore != nil {
			// An unparseable start bound is reported as absent rather than dropping the record.
			if nb, err := ParseTimestamp(*rec.NotBefore); err == nil {
				detail.NotBefore = &nb
			}
		}
		if rec.CommonName != nil {
			detail.CommonName = *rec.CommonName
		}
		nameValue := ""
		if rec.NameValue != nil {
			nameValue = *rec.NameValue
		}
		detail.Identities = Identities(detail.CommonName, nameValue)
		res.Active = append(res.Active, detail)
	}
	return res
}

// OutputRow is one line of the CSV report.
type OutputRow struct {
	Domain string
	ActiveCertificateDetail
}

// ReportHeader is the fixed CSV header of the report.
var ReportHeader = []string{"domain", "issuer", "not_before", "not_after", "common_name", "identities"}

// Fields renders the row in ReportHeader order.
func (r *OutputRow) Fields() []string {
	notBefore := ""
	if r.NotBefore != nil {
		notBefore = r.NotBefore.Format(OutputTimestampLayout)
	}
	return []string{
		r.Domain,
		r.Issuer,
		notBefore,
		r.NotAfter.Format(OutputTimestampLayout),
		r.CommonName,
		r.Identities,
	}
}
