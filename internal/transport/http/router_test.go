package httptransport_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustledger/internal/integrity"
	"trustledger/internal/revision"
	revisionstore "trustledger/internal/revision/store"
	"trustledger/internal/rmid"
	rmidstore "trustledger/internal/rmid/store"
	"trustledger/internal/seal"
	sealstore "trustledger/internal/seal/store"
	"trustledger/internal/thread"
	threadstore "trustledger/internal/thread/store"
	httptransport "trustledger/internal/transport/http"
	"trustledger/pkg/domain"
	"trustledger/pkg/platform/middleware/auth"
)

const (
	testSigningKey = "test-signing-key"
	testAdminToken = "test-admin-token"
)

type api struct {
	router http.Handler
	userID domain.UserID
}

func newAPI(t *testing.T) *api {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rmidMem := rmidstore.NewMemory()
	group := 0
	allocator, err := rmid.New(rmidMem, rmidMem, rmidMem,
		rmid.WithLogger(logger),
		rmid.WithGroupSampler(func() int { group++; return group }),
	)
	require.NoError(t, err)

	revMem := revisionstore.NewMemory()
	records, err := revision.New(revMem.Records(), revMem.Revisions(), revMem.Events(),
		revision.WithLogger(logger),
		revision.WithAllocator(allocator),
	)
	require.NoError(t, err)

	threadMem := threadstore.NewMemory()
	threads, err := thread.New(threadMem, rmidMem,
		thread.WithLogger(logger),
		thread.WithRecordRefCounter(revMem.Records()),
		thread.WithRecordRepointer(revMem.Records()),
	)
	require.NoError(t, err)

	seals, err := seal.New(sealstore.NewMemory(), revMem.Records(), revMem.Revisions(),
		seal.WithLogger(logger))
	require.NoError(t, err)

	checker, err := integrity.New(revMem.Records(), revMem.Revisions(), threadMem,
		integrity.WithLogger(logger),
		integrity.WithThreadMerger(threads),
	)
	require.NoError(t, err)

	handler := httptransport.New(
		allocator, threads, records, seals, checker,
		auth.NewHMACValidator(testSigningKey), testAdminToken, logger,
	)
	return &api{
		router: httptransport.NewRouter(handler),
		userID: domain.NewUserID(),
	}
}

func (a *api) token(t *testing.T) string {
	t.Helper()
	claims := auth.Claims{
		Name: "Dana Trustee",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return signed
}

func (a *api) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *api) authed(t *testing.T, method, path string, body any, extra map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	headers := map[string]string{"Authorization": "Bearer " + a.token(t)}
	for k, v := range extra {
		headers[k] = v
	}
	return a.do(t, method, path, body, headers)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuthentication(t *testing.T) {
	a := newAPI(t)

	t.Run("requests without a token are rejected", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/v1/rmids/allocate", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage tokens are rejected", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/v1/rmids/allocate", nil,
			map[string]string{"Authorization": "Bearer not-a-token"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("the request id is echoed on the response", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, "/healthz", nil,
			map[string]string{"X-Request-ID": "trace-123"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "trace-123", rec.Header().Get("X-Request-ID"))
	})
}

func TestRecordLifecycleOverHTTP(t *testing.T) {
	a := newAPI(t)
	portfolio := domain.NewPortfolioID()

	rec := a.authed(t, http.MethodPost, "/v1/rmids/allocate", map[string]any{
		"portfolio_id": portfolio.String(),
		"base":         "TF000000123US",
		"module":       "minutes",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	allocation := decodeBody(t, rec)
	rmID, _ := allocation["rm_id"].(string)
	assert.Equal(t, "TF000000123US-1.001", rmID)

	rec = a.authed(t, http.MethodPost, "/v1/records", map[string]any{
		"portfolio_id": portfolio.String(),
		"module":       "minutes",
		"rm_id":        rmID,
		"payload": map[string]any{
			"meeting_date": "2026-05-01",
			"summary":      "Quarterly meeting",
		},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	record := created["record"].(map[string]any)
	recordID := record["id"].(string)
	assert.Equal(t, "draft", record["status"])

	rec = a.authed(t, http.MethodGet, "/v1/records/"+recordID+"/finalization", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	check := decodeBody(t, rec)
	assert.Equal(t, true, check["can_finalize"])

	rec = a.authed(t, http.MethodPost, "/v1/records/"+recordID+"/finalize", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	finalized := decodeBody(t, rec)
	revisionBody := finalized["revision"].(map[string]any)
	hash, _ := revisionBody["content_hash"].(string)
	assert.Len(t, hash, 64)

	t.Run("finalizing twice conflicts", func(t *testing.T) {
		rec := a.authed(t, http.MethodPost, "/v1/records/"+recordID+"/finalize", nil, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("sealing and verifying the finalized record", func(t *testing.T) {
		rec := a.authed(t, http.MethodPost, "/v1/records/"+recordID+"/seal", nil, nil)
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = a.authed(t, http.MethodGet, "/v1/records/"+recordID+"/seal/verification", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", decodeBody(t, rec)["status"])
	})

	t.Run("unknown records are 404", func(t *testing.T) {
		rec := a.authed(t, http.MethodGet, "/v1/records/"+domain.NewRecordID().String(), nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed ids are 400", func(t *testing.T) {
		rec := a.authed(t, http.MethodGet, "/v1/records/not-a-uuid", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestThreadRoutes(t *testing.T) {
	a := newAPI(t)
	portfolio := domain.NewPortfolioID()

	rec := a.authed(t, http.MethodPost, "/v1/threads", map[string]any{
		"portfolio_id": portfolio.String(),
		"base":         "TF000000123US",
		"title":        "Oak Street Lease",
		"party":        "Oak Street Partners",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	threadID := created["id"].(string)

	rec = a.authed(t, http.MethodPost, "/v1/threads/"+threadID+"/subnumbers", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	sub := decodeBody(t, rec)
	assert.Equal(t, float64(1), sub["sub"])

	rec = a.authed(t, http.MethodGet,
		"/v1/portfolios/"+portfolio.String()+"/threads/suggest?base=TF000000123US&party=oak+street+partners", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "exact", decodeBody(t, rec)["outcome"])
}

func TestRepairRoutes(t *testing.T) {
	a := newAPI(t)
	portfolio := domain.NewPortfolioID()

	rec := a.authed(t, http.MethodPost, "/v1/records", map[string]any{
		"portfolio_id": portfolio.String(),
		"base":         "TF000000123US",
		"module":       "minutes",
		"payload":      map[string]any{"meeting_date": "2026-05-01", "summary": "x"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	recordID := decodeBody(t, rec)["record"].(map[string]any)["id"].(string)

	t.Run("repairs refuse without the admin token", func(t *testing.T) {
		rec := a.authed(t, http.MethodPost, "/v1/records/"+recordID+"/repairs/status", nil, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("a healthy record refuses a status coercion", func(t *testing.T) {
		rec := a.authed(t, http.MethodPost, "/v1/records/"+recordID+"/repairs/status", nil,
			map[string]string{"X-Admin-Token": testAdminToken})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("scans are open to any authenticated caller", func(t *testing.T) {
		rec := a.authed(t, http.MethodPost, "/v1/portfolios/"+portfolio.String()+"/integrity/scan", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		report := decodeBody(t, rec)
		assert.Equal(t, float64(1), report["records_scanned"])
	})
}
