package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoUser(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uc, err := GetUserContext(r.Context())
		require.NoError(t, err)
		w.Write([]byte(uc.TenantID + "/" + uc.UserID))
	})
}

func TestMiddlewareHeaders(t *testing.T) {
	h := Middleware("")(echoUser(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderTenantID, "t1")
	req.Header.Set(HeaderUserID, "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t1/alice", rec.Body.String())
}

func TestMiddlewareMissingHeaders(t *testing.T) {
	h := Middleware("")(echoUser(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assertUnauthorizedBody(t, rec)
}

func assertUnauthorizedBody(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UNAUTHORIZED", body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
}

func TestMiddlewareBearer(t *testing.T) {
	token, err := SignToken("s3cret", UserContext{UserID: "bob", TenantID: "t2"})
	require.NoError(t, err)

	h := Middleware("s3cret")(echoUser(t))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t2/bob", rec.Body.String())
}

func TestMiddlewareRejectsWrongSecret(t *testing.T) {
	token, err := SignToken("other", UserContext{UserID: "bob", TenantID: "t2"})
	require.NoError(t, err)

	h := Middleware("s3cret")(echoUser(t))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assertUnauthorizedBody(t, rec)
}

func TestGetUserContextMissing(t *testing.T) {
	_, err := GetUserContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.Error(t, err)
}
