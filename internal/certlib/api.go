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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/x-stp/ctissuers/internal/client"
)

// Constants related to the crt.sh search service.
const (
	CrtShURLTemplate = "https://crt.sh/?q=%s&output=json"
	UserAgent        = "ctissuers/1.0 (+https://github.com/x-stp/ctissuers)"
)

// ErrEmptyDomain is returned when Query is called without a domain.
var ErrEmptyDomain = errors.New("empty domain")

// FetchErrorKind classifies why a lookup produced no records.
type FetchErrorKind string

const (
	KindTransport FetchErrorKind = "transport"
	KindStatus    FetchErrorKind = "status"
	KindDecode    FetchErrorKind = "decode"
	KindRequest   FetchErrorKind = "request"
)

// FetchError describes a failed lookup. StatusCode is only set for KindStatus.
type FetchError struct {
	Domain     string
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("crt.sh lookup for %s: HTTP %d", e.Domain, e.StatusCode)
	}
	return fmt.Sprintf("crt.sh lookup for %s (%s): %v", e.Domain, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or "" if err is not a *FetchError.
func KindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Fetcher looks up certificate records for a domain.
type Fetcher struct {
	// URLTemplate must contain exactly one %s, which receives the query-escaped domain.
	URLTemplate string
	HTTPClient  *http.Client
}

// NewFetcher returns a Fetcher for the public crt.sh endpoint using the shared HTTP client.
func NewFetcher() *Fetcher {
	return &Fetcher{
		URLTemplate: CrtShURLTemplate,
		HTTPClient:  client.GetHTTPClient(),
	}
}

// LookupURL builds the search URL for domain.
func (f *Fetcher) LookupURL(domain string) string {
	tmpl := f.URLTemplate
	if tmpl == "" {
		tmpl = CrtShURLTemplate
	}
	return fmt.Sprintf(tmpl, url.QueryEscape(domain))
}

// Query performs a single GET for domain and decodes the JSON array response.
// Failures never abort the caller: a diagnostic line is logged and an empty
// slice is returned together with a *FetchError describing the failure.
func (f *Fetcher) Query(ctx context.Context, domain string) ([]CertificateRecord, error) {
	records, err := f.fetch(ctx, domain)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) && fe.Kind == KindStatus {
			log.Printf("Failed to fetch data for domain %s: HTTP %d", domain, fe.StatusCode)
		} else {
			log.Printf("Error querying crt.sh for domain %s: %v", domain, err)
		}
		return []CertificateRecord{}, err
	}
	return records, nil
}

func (f *Fetcher) fetch(ctx context.Context, domain string) ([]CertificateRecord, error) {
	if strings.TrimSpace(domain) == "" {
		return nil, &FetchError{Domain: domain, Kind: KindRequest, Err: ErrEmptyDomain}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.LookupURL(domain), nil)
	if err != nil {
		return nil, &FetchError{Domain: domain, Kind: KindRequest, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	httpClient := f.HTTPClient
	if httpClient == nil {
		httpClient = client.GetHTTPClient()
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Domain: domain, Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Domain: domain, Kind: KindStatus, StatusCode: resp.StatusCode}
	}

	// Elements are decoded one by one so a single bad record cannot take the
	// rest of the response down with it.
	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &FetchError{Domain: domain, Kind: KindDecode, Err: fmt.Errorf("error parsing crt.sh JSON: %w", err)}
	}
	records := make([]CertificateRecord, 0, len(raw))
	for i, msg := range raw {
		var rec CertificateRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			log.Printf("Skipping malformed record %d for domain %s: %v", i, domain, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
