package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/user", r.URL.Path)
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"u1","email":"kid@example.com","age":13,"tier":"standard"}`))
		case "Bearer stale":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")

	u, err := c.CurrentUser(context.Background(), "good")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, 13, u.Age)

	u, err = c.CurrentUser(context.Background(), "stale")
	require.NoError(t, err)
	assert.Nil(t, u, "expired token is not an error, just no user")

	_, err = c.CurrentUser(context.Background(), "boom")
	require.Error(t, err)
}
