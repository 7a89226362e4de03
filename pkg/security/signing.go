package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Request authentication headers exchanged between the host and ExApps
const (
	HeaderAAVersion     = "AA-VERSION"
	HeaderExAppID       = "EX-APP-ID"
	HeaderExAppVersion  = "EX-APP-VERSION"
	HeaderAuthorization = "AUTHORIZATION-APP-API"
	HeaderRequestID     = "AA-REQUEST-ID"
	HeaderUserID        = "NC-USER-ID"
	HeaderDataHash      = "AE-DATA-HASH"
	HeaderSignTime      = "AE-SIGN-TIME"
	HeaderSignature     = "AE-SIGNATURE"

	HeaderHarpSharedKey = "harp-shared-key"
	HeaderExAppHost     = "ex-app-host"
	HeaderExAppPort     = "ex-app-port"
)

// signedHeaders take part in the AE-SIGNATURE computation
var signedHeaders = []string{
	HeaderAAVersion,
	HeaderDataHash,
	HeaderExAppID,
	HeaderExAppVersion,
	HeaderSignTime,
	HeaderUserID,
}

// DefaultMaxSignAge bounds how old an AE-SIGN-TIME may be
const DefaultMaxSignAge = 5 * time.Minute

var (
	ErrMissingAppID         = errors.New("missing EX-APP-ID header")
	ErrInvalidAuthorization = errors.New("invalid AUTHORIZATION-APP-API header")
	ErrSignTimeInvalid      = errors.New("AE-SIGN-TIME is outside the accepted window")
	ErrInvalidSignature     = errors.New("AE-SIGNATURE does not match")
	ErrDataHashMismatch     = errors.New("AE-DATA-HASH does not match request body")
	ErrMissingSignature     = errors.New("missing AE-SIGNATURE header")
)

// Credentials identify the ExApp side of a signed exchange
type Credentials struct {
	AppID   string
	Version string
	Secret  string
}

// Signer attaches host→ExApp authentication headers to outbound requests
type Signer struct {
	appAPIVersion string
	now           func() time.Time
}

// NewSigner creates a signer that advertises the given AppAPI version
func NewSigner(appAPIVersion string) *Signer {
	return &Signer{appAPIVersion: appAPIVersion, now: time.Now}
}

// Sign sets the authentication headers on req. body must be the exact bytes
// that will be sent; requestID may be empty for CLI-originated calls.
func (s *Signer) Sign(req *http.Request, creds Credentials, userID, requestID string, body []byte) {
	if requestID == "" {
		requestID = "CLI"
	}

	req.Header.Set(HeaderAAVersion, s.appAPIVersion)
	req.Header.Set(HeaderExAppID, creds.AppID)
	req.Header.Set(HeaderExAppVersion, creds.Version)
	req.Header.Set(HeaderUserID, userID)
	req.Header.Set(HeaderRequestID, requestID)
	req.Header.Set(HeaderAuthorization, EncodeAuthorization(userID, creds.Secret))
	req.Header.Set(HeaderDataHash, DataHash(body))
	req.Header.Set(HeaderSignTime, strconv.FormatInt(s.now().Unix(), 10))
	req.Header.Set(HeaderSignature, ComputeSignature(creds.Secret, req.Method, req.URL.RequestURI(), req.Header))
}

// EncodeAuthorization builds the AUTHORIZATION-APP-API value base64(user:secret)
func EncodeAuthorization(userID, secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(userID + ":" + secret))
}

// DecodeAuthorization splits an AUTHORIZATION-APP-API value into user and secret
func DecodeAuthorization(value string) (userID, secret string, err error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", "", ErrInvalidAuthorization
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", "", ErrInvalidAuthorization
	}
	return parts[0], parts[1], nil
}

// DataHash returns the xxh64 hex digest of a request body
func DataHash(body []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(body))
}

// ComputeSignature returns hex(HMAC-SHA256(secret, method + uri + canonical headers))
func ComputeSignature(secret, method, uri string, header http.Header) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write([]byte(uri))
	mac.Write([]byte(canonicalHeaders(header)))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalHeaders(header http.Header) string {
	names := append([]string(nil), signedHeaders...)
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(header.Get(name))
		b.WriteByte('\n')
	}
	return b.String()
}

// Verifier checks ExApp→host requests against the ExApp's shared secret
type Verifier struct {
	// MaxSignAge is the accepted AE-SIGN-TIME window
	MaxSignAge time.Duration
	// RequireSignature rejects requests that only carry AUTHORIZATION-APP-API
	RequireSignature bool

	now func() time.Time
}

// NewVerifier creates a verifier with the default sign-time window
func NewVerifier(requireSignature bool) *Verifier {
	return &Verifier{
		MaxSignAge:       DefaultMaxSignAge,
		RequireSignature: requireSignature,
		now:              time.Now,
	}
}

// Verify authenticates r using secret and returns the impersonated user id
// (empty when the call is not made on behalf of a user)
func (v *Verifier) Verify(r *http.Request, body []byte, secret string) (string, error) {
	if r.Header.Get(HeaderExAppID) == "" {
		return "", ErrMissingAppID
	}

	userID, presented, err := DecodeAuthorization(r.Header.Get(HeaderAuthorization))
	if err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
		return "", ErrInvalidAuthorization
	}

	signature := r.Header.Get(HeaderSignature)
	if signature == "" {
		if v.RequireSignature {
			return "", ErrMissingSignature
		}
		return userID, nil
	}

	if err := v.verifySignTime(r.Header.Get(HeaderSignTime)); err != nil {
		return "", err
	}

	expected := ComputeSignature(secret, r.Method, r.URL.RequestURI(), r.Header)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return "", ErrInvalidSignature
	}

	if r.Header.Get(HeaderDataHash) != DataHash(body) {
		return "", ErrDataHashMismatch
	}

	return userID, nil
}

func (v *Verifier) verifySignTime(value string) error {
	signTime, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return ErrSignTimeInvalid
	}
	age := v.now().Unix() - signTime
	if age < 0 || time.Duration(age)*time.Second > v.MaxSignAge {
		return ErrSignTimeInvalid
	}
	return nil
}
