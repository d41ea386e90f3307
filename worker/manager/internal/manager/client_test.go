package manager

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openzim/mirrors-qa/backend/pkg/api"
)

func newTestSigner(t *testing.T) (*Signer, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keyPath := filepath.Join(t.TempDir(), "id_rsa")
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(keyPath, pemData, 0o600))

	signer, err := LoadSigner(keyPath)
	require.NoError(t, err)
	return signer, &key.PublicKey
}

func newTestClient(t *testing.T, baseURL string, clk clockwork.Clock) (*Client, *rsa.PublicKey) {
	t.Helper()
	signer, pub := newTestSigner(t)
	client, err := NewClient(testLogger(), Config{
		BackendURI:      baseURL,
		RequestsTimeout: 5 * time.Second,
		Clock:           clk,
	}, "worker-1", signer)
	require.NoError(t, err)
	return client, pub
}

// serveToken answers an authenticate request with the n-th token.
func serveToken(t *testing.T, w http.ResponseWriter, n int64, expiresIn int64) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(api.TokenResponse{
		AccessToken: fmt.Sprintf("tok-%d", n),
		TokenType:   "bearer",
		ExpiresIn:   expiresIn,
	}))
}

func TestClient_Authenticate(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(fixedNow)
	var gotMessage, gotSignature string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, api.AuthenticatePath, r.URL.Path)
		gotMessage = r.Header.Get(api.AuthMessageHeader)
		gotSignature = r.Header.Get(api.AuthSignatureHeader)
		serveToken(t, w, 1, 3600)
	}))
	t.Cleanup(srv.Close)

	client, pub := newTestClient(t, srv.URL, clk)
	require.NoError(t, client.Authenticate(context.Background()))

	require.Equal(t, "worker-1:"+fixedNow.Format(time.RFC3339), gotMessage)

	sig, err := base64.StdEncoding.DecodeString(gotSignature)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(gotMessage))
	require.NoError(t, rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}))

	require.Equal(t, "tok-1", client.creds.AccessToken)
	require.Equal(t, fixedNow.Add(3600*time.Second-tokenRenewalSlack), client.creds.ExpiresAt)
}

func TestClient_ReauthenticatesWhenTokenExpires(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(fixedNow)
	var authCalls atomic.Int64
	var lastAuthorization atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == api.AuthenticatePath {
			serveToken(t, w, authCalls.Add(1), 3600)
			return
		}
		lastAuthorization.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tests": [], "metadata": {"total_records": 0, "page_size": 0}}`))
	}))
	t.Cleanup(srv.Close)

	client, _ := newTestClient(t, srv.URL, clk)
	ctx := context.Background()

	_, err := client.ListPendingTests(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, authCalls.Load())
	require.Equal(t, "Bearer tok-1", lastAuthorization.Load())

	// Within the token's lifetime the handshake is not repeated.
	clk.Advance(30 * time.Minute)
	_, err = client.ListPendingTests(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, authCalls.Load())

	// Past expiry it is.
	clk.Advance(2 * time.Hour)
	_, err = client.ListPendingTests(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, authCalls.Load())
	require.Equal(t, "Bearer tok-2", lastAuthorization.Load())
}

func TestClient_ListPendingTests_Pages(t *testing.T) {
	t.Parallel()

	const total = 5
	var pagesSeen []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == api.AuthenticatePath {
			serveToken(t, w, 1, 3600)
			return
		}
		require.Equal(t, api.TestsPath, r.URL.Path)
		require.Equal(t, "worker-1", r.URL.Query().Get("worker_id"))
		require.Equal(t, api.StatusPending, r.URL.Query().Get("status"))

		page, err := strconv.Atoi(r.URL.Query().Get("page_num"))
		require.NoError(t, err)
		pagesSeen = append(pagesSeen, strconv.Itoa(page))

		pageSize := 2
		first := (page - 1) * pageSize
		tests := make([]api.Test, 0, pageSize)
		for i := first; i < total && i < first+pageSize; i++ {
			tests = append(tests, api.Test{ID: fmt.Sprintf("test-%d", i), Status: api.StatusPending})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(api.TestsResponse{
			Tests: tests,
			Metadata: api.Metadata{
				TotalRecords: total,
				PageSize:     pageSize,
				CurrentPage:  page,
				FirstPage:    1,
				LastPage:     3,
			},
		}))
	}))
	t.Cleanup(srv.Close)

	client, _ := newTestClient(t, srv.URL, clockwork.NewFakeClockAt(fixedNow))

	tests, err := client.ListPendingTests(context.Background())
	require.NoError(t, err)
	require.Len(t, tests, total)
	require.Equal(t, "test-0", tests[0].ID)
	require.Equal(t, "test-4", tests[4].ID)
	require.Equal(t, []string{"1", "2", "3"}, pagesSeen)
}

func TestClient_ListPendingTests_Empty(t *testing.T) {
	t.Parallel()

	var dataCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == api.AuthenticatePath {
			serveToken(t, w, 1, 3600)
			return
		}
		dataCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tests": [], "metadata": {"total_records": 0, "page_size": 0}}`))
	}))
	t.Cleanup(srv.Close)

	client, _ := newTestClient(t, srv.URL, clockwork.NewFakeClockAt(fixedNow))

	tests, err := client.ListPendingTests(context.Background())
	require.NoError(t, err)
	require.Empty(t, tests)
	require.EqualValues(t, 1, dataCalls.Load())
}

func TestClient_PatchTest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == api.AuthenticatePath {
			serveToken(t, w, 1, 3600)
			return
		}
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, api.TestsPath+"/test-1", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var update api.UpdateTestRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&update))
		require.NotNil(t, update.Status)
		require.Equal(t, api.StatusSucceeded, *update.Status)
		require.NotNil(t, update.Speed)
		require.InDelta(t, 1024.0, *update.Speed, 0.001)

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(api.Test{ID: "test-1", Status: api.StatusSucceeded}))
	}))
	t.Cleanup(srv.Close)

	client, _ := newTestClient(t, srv.URL, clockwork.NewFakeClockAt(fixedNow))

	status := api.StatusSucceeded
	speed := 1024.0
	test, err := client.PatchTest(context.Background(), "test-1", api.UpdateTestRequest{
		Status: &status,
		Speed:  &speed,
	})
	require.NoError(t, err)
	require.Equal(t, "test-1", test.ID)
	require.Equal(t, api.StatusSucceeded, test.Status)
}

func TestClient_PutWorkerCountries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == api.AuthenticatePath {
			serveToken(t, w, 1, 3600)
			return
		}
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, api.WorkersPath+"/worker-1/countries", r.URL.Path)

		var body api.UpdateWorkerCountriesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, []string{"fr", "us"}, body.CountryCodes)

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(api.CountriesResponse{
			Countries: []api.Country{{Code: "fr", Name: "France"}, {Code: "us", Name: "United States"}},
		}))
	}))
	t.Cleanup(srv.Close)

	client, _ := newTestClient(t, srv.URL, clockwork.NewFakeClockAt(fixedNow))

	countries, err := client.PutWorkerCountries(context.Background(), []string{"fr", "us"})
	require.NoError(t, err)
	require.Len(t, countries, 2)
	require.Equal(t, "France", countries[0].Name)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var dataCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == api.AuthenticatePath {
			serveToken(t, w, 1, 3600)
			return
		}
		if dataCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tests": [], "metadata": {"total_records": 0, "page_size": 0}}`))
	}))
	t.Cleanup(srv.Close)

	client, _ := newTestClient(t, srv.URL, clockwork.NewFakeClockAt(fixedNow))

	_, err := client.ListPendingTests(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, dataCalls.Load())
}

func TestClient_RefreshesRevokedToken(t *testing.T) {
	t.Parallel()

	var authCalls, dataCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == api.AuthenticatePath {
			serveToken(t, w, authCalls.Add(1), 3600)
			return
		}
		// The first token is treated as revoked.
		if dataCalls.Add(1) == 1 {
			require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error": "Invalid authentication credentials"}`))
			return
		}
		require.Equal(t, "Bearer tok-2", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tests": [], "metadata": {"total_records": 0, "page_size": 0}}`))
	}))
	t.Cleanup(srv.Close)

	client, _ := newTestClient(t, srv.URL, clockwork.NewFakeClockAt(fixedNow))

	_, err := client.ListPendingTests(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, authCalls.Load())
	require.EqualValues(t, 2, dataCalls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var dataCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == api.AuthenticatePath {
			serveToken(t, w, 1, 3600)
			return
		}
		dataCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": "Test not found"}`))
	}))
	t.Cleanup(srv.Close)

	client, _ := newTestClient(t, srv.URL, clockwork.NewFakeClockAt(fixedNow))

	_, err := client.PatchTest(context.Background(), "nope", api.UpdateTestRequest{})
	require.ErrorContains(t, err, "Test not found")
	require.EqualValues(t, 1, dataCalls.Load())
}
