package security

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedRequest(t *testing.T, body string, at time.Time) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/ocs/v1.php/apps/app_api/api/v1/log?format=json", strings.NewReader(body))
	signer := NewSigner("3.0.0")
	signer.now = func() time.Time { return at }
	signer.Sign(req, Credentials{AppID: "foo", Version: "1.0.0", Secret: "s3cret"}, "admin", "req-1", []byte(body))
	return req
}

func TestSign_SetsHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/heartbeat", nil)
	NewSigner("3.0.0").Sign(req, Credentials{AppID: "foo", Version: "1.0.0", Secret: "s3cret"}, "", "", nil)

	assert.Equal(t, "3.0.0", req.Header.Get(HeaderAAVersion))
	assert.Equal(t, "foo", req.Header.Get(HeaderExAppID))
	assert.Equal(t, "1.0.0", req.Header.Get(HeaderExAppVersion))
	assert.Equal(t, "CLI", req.Header.Get(HeaderRequestID))
	assert.Equal(t, EncodeAuthorization("", "s3cret"), req.Header.Get(HeaderAuthorization))
	assert.NotEmpty(t, req.Header.Get(HeaderSignature))
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		mutate  func(r *http.Request) []byte
		secret  string
		wantErr error
	}{
		{
			name:   "valid signature",
			secret: "s3cret",
		},
		{
			name:    "wrong secret",
			secret:  "other",
			wantErr: ErrInvalidAuthorization,
		},
		{
			name:   "tampered body",
			secret: "s3cret",
			mutate: func(r *http.Request) []byte {
				return []byte(`{"level":4}`)
			},
			wantErr: ErrDataHashMismatch,
		},
		{
			name:   "tampered signature",
			secret: "s3cret",
			mutate: func(r *http.Request) []byte {
				r.Header.Set(HeaderSignature, strings.Repeat("0", 64))
				return nil
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name:   "impersonated user swapped",
			secret: "s3cret",
			mutate: func(r *http.Request) []byte {
				r.Header.Set(HeaderUserID, "bob")
				return nil
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name:   "sign time too old",
			secret: "s3cret",
			mutate: func(r *http.Request) []byte {
				r.Header.Set(HeaderSignTime, strconv.FormatInt(now.Add(-time.Hour).Unix(), 10))
				return nil
			},
			wantErr: ErrSignTimeInvalid,
		},
		{
			name:   "missing app id",
			secret: "s3cret",
			mutate: func(r *http.Request) []byte {
				r.Header.Del(HeaderExAppID)
				return nil
			},
			wantErr: ErrMissingAppID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"level":2}`
			req := signedRequest(t, body, now)
			payload := []byte(body)
			if tt.mutate != nil {
				if replaced := tt.mutate(req); replaced != nil {
					payload = replaced
				}
			}

			v := NewVerifier(false)
			v.now = func() time.Time { return now.Add(10 * time.Second) }

			userID, err := v.Verify(req, payload, tt.secret)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "admin", userID)
		})
	}
}

func TestVerify_AuthorizationOnly(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ocs/v1.php/apps/app_api/ex-app/state", nil)
	req.Header.Set(HeaderExAppID, "foo")
	req.Header.Set(HeaderAuthorization, EncodeAuthorization("", "s3cret"))

	userID, err := NewVerifier(false).Verify(req, nil, "s3cret")
	require.NoError(t, err)
	assert.Empty(t, userID)

	_, err = NewVerifier(true).Verify(req, nil, "s3cret")
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestDecodeAuthorization(t *testing.T) {
	user, secret, err := DecodeAuthorization(EncodeAuthorization("admin", "a:b"))
	require.NoError(t, err)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "a:b", secret)

	_, _, err = DecodeAuthorization("!!!")
	assert.ErrorIs(t, err, ErrInvalidAuthorization)
}

func TestDataHash(t *testing.T) {
	assert.Len(t, DataHash(nil), 16)
	assert.Equal(t, DataHash([]byte("abc")), DataHash([]byte("abc")))
	assert.NotEqual(t, DataHash([]byte("abc")), DataHash([]byte("abd")))
}
