package core

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/x-stp/ctissuers/internal/certlib"
)

const header = "domain,issuer,not_before,not_after,common_name,identities\r\n"

// fakeQuerier returns canned records per domain and a transport error for domains in failing.
type fakeQuerier struct {
	records map[string][]certlib.CertificateRecord
	failing map[string]bool
	calls   []string
}

func (f *fakeQuerier) Query(ctx context.Context, domain string) ([]certlib.CertificateRecord, error) {
	f.calls = append(f.calls, domain)
	if f.failing[domain] {
		return []certlib.CertificateRecord{}, &certlib.FetchError{Domain: domain, Kind: certlib.KindTransport, Err: errors.New("connection refused")}
	}
	return f.records[domain], nil
}

func strp(s string) *string { return &s }

func writeDomains(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "domains.txt")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write domains: %v", err)
	}
	return p
}

func newTestRunner(t *testing.T, input string, q Querier) (*Runner, string, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	out := filepath.Join(dir, "certificate_issuers.csv")
	r := NewRunner(&Config{InputFile: writeDomains(t, dir, input), OutputFile: out}, q)
	var console bytes.Buffer
	r.SetOutput(&console)
	r.SetClock(func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) })
	return r, out, &console
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(b)
}

func TestRunSingleActiveCertificate(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{records: map[string][]certlib.CertificateRecord{
		"example.com": {{
			IssuerName: "C=US, O=Let's Encrypt, CN=R3",
			NotAfter:   strp("2999-01-01T00:00:00"),
			CommonName: strp("example.com"),
			NameValue:  strp("example.com\nwww.example.com"),
		}},
	}}
	r, out, console := newTestRunner(t, "example.com\n", q)

	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := header +
		`example.com,"C=US, O=Let's Encrypt, CN=R3",,2999-01-01 00:00:00,example.com,"example.com, example.com, www.example.com"` + "\r\n"
	if got := readFile(t, out); got != want {
		t.Fatalf("report mismatch:\n Want: %q\n Got:  %q", want, got)
	}
	if sum.Rows != 1 || sum.Domains != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	for _, line := range []string{
		"Querying certificates for domain: example.com",
		"Found 1 active certificate(s) for domain: example.com",
		"Results saved to " + out,
	} {
		if !strings.Contains(console.String(), line) {
			t.Errorf("console output missing %q:\n%s", line, console.String())
		}
	}
}

func TestRunNoRecordsWritesHeaderOnly(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{}
	r, out, console := newTestRunner(t, "a.com\nb.com\nc.com\n", q)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := readFile(t, out); got != header {
		t.Fatalf("expected header only, got %q", got)
	}
	if len(q.calls) != 3 {
		t.Fatalf("expected 3 lookups, got %v", q.calls)
	}
	if c := strings.Count(console.String(), "No active certificates found for domain:"); c != 3 {
		t.Fatalf("expected 3 no-result lines, got %d", c)
	}
}

func TestRunTransportErrorContinues(t *testing.T) {
	t.Parallel()
	active := certlib.CertificateRecord{IssuerName: "CA", NotAfter: strp("2999-01-01T00:00:00"), CommonName: strp("b.com"), NameValue: strp("b.com")}
	q := &fakeQuerier{
		failing: map[string]bool{"a.com": true},
		records: map[string][]certlib.CertificateRecord{"b.com": {active}},
	}
	r, out, _ := newTestRunner(t, "a.com\nb.com\n", q)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := header + "b.com,CA,,2999-01-01 00:00:00,b.com,\"b.com, b.com\"\r\n"
	if got := readFile(t, out); got != want {
		t.Fatalf("report mismatch:\n Want: %q\n Got:  %q", want, got)
	}
}

func TestRunOrdersRowsByDomainThenRecord(t *testing.T) {
	t.Parallel()
	rec := func(issuer, notAfter string) certlib.CertificateRecord {
		return certlib.CertificateRecord{IssuerName: issuer, NotAfter: strp(notAfter)}
	}
	q := &fakeQuerier{records: map[string][]certlib.CertificateRecord{
		"z.com": {rec("z1", "2999-01-01T00:00:00"), rec("z-expired", "2000-01-01T00:00:00"), rec("z2", "2999-01-02T00:00:00")},
		"a.com": {rec("a1", "2999-01-01T00:00:00"), {IssuerName: "a-noexpiry"}},
	}}
	r, out, _ := newTestRunner(t, "z.com\n  a.com  \n", q)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(readFile(t, out), "\r\n"), "\r\n")
	var issuers []string
	for _, l := range lines[1:] {
		issuers = append(issuers, strings.Split(l, ",")[1])
	}
	if got, want := strings.Join(issuers, " "), "z1 z2 a1"; got != want {
		t.Fatalf("row order = %q, want %q", got, want)
	}
}

func TestRunSkipsBlankLines(t *testing.T) {
	t.Parallel()
	q := &fakeQuerier{}
	r, _, console := newTestRunner(t, "a.com\n\n   \nb.com\n", q)

	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(q.calls, ",") != "a.com,b.com" {
		t.Fatalf("unexpected lookups: %v", q.calls)
	}
	if sum.Domains != 4 || sum.SkippedDomains != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	for _, line := range []string{"Skipping empty domain entry on line 2", "Skipping empty domain entry on line 3"} {
		if !strings.Contains(console.String(), line) {
			t.Errorf("console output missing %q:\n%s", line, console.String())
		}
	}
}

func TestRunMissingInputIsFatal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")
	r := NewRunner(&Config{InputFile: filepath.Join(dir, "missing.txt"), OutputFile: out}, &fakeQuerier{})
	r.SetOutput(&bytes.Buffer{})

	if _, err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected error for missing input")
	}
	if _, err := os.Stat(out); err == nil {
		t.Fatalf("report should not be written when input is missing")
	}
}

func TestRunCancelledDoesNotWriteReport(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, out, _ := newTestRunner(t, "a.com\n", &fakeQuerier{})

	_, err := r.Run(ctx)
	if !errors.Is(err, ErrRunCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if _, err := os.Stat(out); err == nil {
		t.Fatalf("report should not be written after cancellation")
	}
}

// TestRunAgainstHTTPServer wires the real fetcher to a local crt.sh stand-in.
func TestRunAgainstHTTPServer(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("q") {
		case "example.com":
			w.Write([]byte(`[
				{"id":1,"issuer_name":"CN=Active CA","not_before":"2024-05-01T00:00:00","not_after":"2999-01-01T00:00:00","common_name":"example.com","name_value":"example.com\nwww.example.com"},
				{"id":2,"issuer_name":"CN=Old CA","not_before":"2019-01-01T00:00:00","not_after":"2020-01-01T00:00:00","common_name":"example.com","name_value":"example.com"}
			]`))
		case "down.example":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	fetcher := &certlib.Fetcher{URLTemplate: srv.URL + "/?q=%s&output=json", HTTPClient: srv.Client()}
	r, out, _ := newTestRunner(t, "down.example\nexample.com\nempty.example\n", fetcher)
	r.config.Debug = true

	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := header + "example.com,CN=Active CA,2024-05-01 00:00:00,2999-01-01 00:00:00,example.com,\"example.com, example.com, www.example.com\"\r\n"
	if got := readFile(t, out); got != want {
		t.Fatalf("report mismatch:\n Want: %q\n Got:  %q", want, got)
	}
	if sum.Report == nil || sum.Report.Digest == "" {
		t.Fatalf("expected report digest in summary: %+v", sum)
	}
}
