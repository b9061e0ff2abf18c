package acs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"regexp"
	"testing"
	"time"
)

// vectorKey is base64("0123456789abcdef0123456789abcdef").
var vectorKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

// vectorTime renders as "Tue, 15 Aug 2023 10:20:30 GMT".
var vectorTime = time.Date(2023, time.August, 15, 10, 20, 30, 0, time.UTC)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

// TestSigner_Vector locks the exact canonicalization against an independent
// computation of the string-to-sign.
func TestSigner_Vector(t *testing.T) {
	t.Parallel()

	s, err := newSignerAt(vectorKey, func() time.Time { return vectorTime })
	if err != nil {
		t.Fatalf("newSignerAt: %v", err)
	}

	u := mustParse(t, "https://example.communication.azure.com/emails:send?api-version=2023-03-31")
	body := []byte("{}")

	got := s.Sign("POST", u, body)

	if got.Date != "Tue, 15 Aug 2023 10:20:30 GMT" {
		t.Errorf("Date: got %q", got.Date)
	}

	bodySum := sha256.Sum256(body)
	wantHash := base64.StdEncoding.EncodeToString(bodySum[:])
	if got.ContentSHA256 != wantHash {
		t.Errorf("ContentSHA256: got %q, want %q", got.ContentSHA256, wantHash)
	}

	// Independent reference computation of the signature
	stringToSign := "POST\n" +
		"/emails:send?api-version=2023-03-31\n" +
		"Tue, 15 Aug 2023 10:20:30 GMT;example.communication.azure.com;" + wantHash
	mac := hmac.New(sha256.New, []byte("0123456789abcdef0123456789abcdef"))
	mac.Write([]byte(stringToSign))
	wantSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	wantAuth := "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature=" + wantSig
	if got.Authorization != wantAuth {
		t.Errorf("Authorization:\n got %q\nwant %q", got.Authorization, wantAuth)
	}
}

func TestSigner_Deterministic(t *testing.T) {
	t.Parallel()

	u := mustParse(t, "https://example.communication.azure.com/emails:send?api-version=2023-03-31")
	body := []byte(`{"senderAddress":"a@b.c"}`)

	s1, err := newSignerAt(vectorKey, func() time.Time { return vectorTime })
	if err != nil {
		t.Fatalf("newSignerAt: %v", err)
	}
	s2, err := newSignerAt(vectorKey, func() time.Time { return vectorTime })
	if err != nil {
		t.Fatalf("newSignerAt: %v", err)
	}

	first := s1.Sign("POST", u, body)
	second := s2.Sign("POST", u, body)
	if first != second {
		t.Errorf("signatures differ:\n%v\n%v", first, second)
	}
}

// TestSigner_HostExcludesPort verifies that an explicit port never leaks
// into the signed host.
func TestSigner_HostExcludesPort(t *testing.T) {
	t.Parallel()

	body := []byte("{}")
	withPort := mustParse(t, "https://example.communication.azure.com:443/emails:send?api-version=2023-03-31")
	without := mustParse(t, "https://example.communication.azure.com/emails:send?api-version=2023-03-31")

	s, err := newSignerAt(vectorKey, func() time.Time { return vectorTime })
	if err != nil {
		t.Fatalf("newSignerAt: %v", err)
	}

	if got, want := s.Sign("POST", withPort, body), s.Sign("POST", without, body); got != want {
		t.Errorf("port changed the signature:\n%v\n%v", got, want)
	}
}

func TestSigner_TimestampFormat(t *testing.T) {
	t.Parallel()

	s, err := NewSigner(vectorKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	u := mustParse(t, "https://example.communication.azure.com/emails:send?api-version=2023-03-31")
	got := s.Sign("POST", u, []byte("{}"))

	// RFC 1123 with the GMT literal
	pattern := regexp.MustCompile(`^(Mon|Tue|Wed|Thu|Fri|Sat|Sun), \d{2} (Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec) \d{4} \d{2}:\d{2}:\d{2} GMT$`)
	if !pattern.MatchString(got.Date) {
		t.Errorf("Date format: got %q", got.Date)
	}
}

func TestNewSigner_RejectsBadKey(t *testing.T) {
	t.Parallel()

	if _, err := NewSigner("not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64 key")
	}
}
