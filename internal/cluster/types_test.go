package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStorageServerJSON checks the field names of the admin listing.
func TestStorageServerJSON(t *testing.T) {
	data, err := json.Marshal(StorageServer{ID: "s1", URI: "http://localhost:9001", NumPartitions: 4096})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, field := range []string{"id", "uri", "num_partitions", "added_at"} {
		assert.Contains(t, m, field)
	}
}

func TestToResponse(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   Code
	}{
		{"key not found", errors.Wrap(storage.ErrKeyNotFound, "get"), http.StatusNotFound, CodeNotFound},
		{"namespace not found", storage.ErrNamespaceNotFound, http.StatusNotFound, CodeNamespaceNotFound},
		{"checksum", storage.ErrChecksumMismatch, http.StatusUnprocessableEntity, CodeChecksumMismatch},
		{"version", storage.ErrVersionNotRetained, http.StatusGone, CodeVersionNotRetained},
		{"duplicate", ErrDuplicateID, http.StatusConflict, CodeDuplicateID},
		{"no server", ErrNoAvailableServer, http.StatusServiceUnavailable, CodeNoAvailableServer},
		{"in progress", ErrMigrationInProgress, http.StatusAccepted, CodeMigrationInProgress},
		{"bad request", errors.Wrap(ErrBadRequest, "missing key"), http.StatusBadRequest, CodeBadRequest},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
		{"redirect", errors.Wrap(Redirect(7, "s2"), "put"), http.StatusTemporaryRedirect, CodeRedirecting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ToResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	for _, sentinel := range []error{
		storage.ErrKeyNotFound,
		storage.ErrNamespaceNotFound,
		storage.ErrChecksumMismatch,
		storage.ErrVersionNotRetained,
		ErrDuplicateID,
		ErrNoAvailableServer,
	} {
		_, body := ToResponse(errors.Wrap(sentinel, "ctx"))
		assert.True(t, errors.Is(body.Err(), sentinel), "sentinel %v lost", sentinel)
	}

	_, body := ToResponse(Redirect(42, "s9"))
	re, ok := AsRedirect(body.Err())
	require.True(t, ok)
	assert.Equal(t, uint32(42), re.Partition)
	assert.Equal(t, "s9", re.Owner)
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			var req NamespaceRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			WriteJSON(w, http.StatusOK, NamespacesResponse{Namespaces: []string{req.Name}})
		case "/redirect":
			WriteError(w, Redirect(3, "s2"))
		case "/missing":
			WriteError(w, storage.ErrKeyNotFound)
		default:
			http.Error(w, "nope", http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	var out NamespacesResponse
	require.NoError(t, PostJSON(ctx, srv.URL+"/ok", NamespaceRequest{Name: "orders"}, &out))
	assert.Equal(t, []string{"orders"}, out.Namespaces)

	err := PostJSON(ctx, srv.URL+"/redirect", nil, nil)
	re, ok := AsRedirect(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "s2", re.Owner)

	err = GetJSON(ctx, srv.URL+"/missing", &out)
	assert.True(t, errors.Is(err, storage.ErrKeyNotFound))

	err = GetJSON(ctx, srv.URL+"/other", &out)
	assert.True(t, errors.Is(err, ErrTransport))

	err = GetJSON(ctx, "http://127.0.0.1:1/unreachable", &out)
	assert.True(t, errors.Is(err, ErrTransport))
}
