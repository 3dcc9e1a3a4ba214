package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxd/internal/security"
)

// fakeAPIServer emulates just enough of the Kubernetes REST surface for
// PodBackend: pod creation always succeeds, and a GET on the pod
// immediately reports it Succeeded with exit code 0 plus canned logs.
func fakeAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/namespaces/default/pods", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "created"})
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	mux.HandleFunc("/api/v1/namespaces/default/pods/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && len(r.URL.Path) > 5 && r.URL.Path[len(r.URL.Path)-4:] == "/log":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("hello from pod\n"))
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status": map[string]interface{}{
					"phase": "Succeeded",
					"containerStatuses": []map[string]interface{}{
						{"state": map[string]interface{}{"terminated": map[string]interface{}{"exitCode": 0}}},
					},
				},
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	return httptest.NewServer(mux)
}

func TestPodBackendExecuteSucceeds(t *testing.T) {
	srv := fakeAPIServer(t)
	defer srv.Close()

	backend := NewPodBackend(PodBackendConfig{
		APIServerURL: srv.URL,
		PollInterval: time.Millisecond,
		PodTimeout:   time.Second,
	})

	res, err := backend.Execute(context.Background(), Request{
		Language: "python",
		Code:     "print('hi')",
		Limits:   DefaultLimits(),
	}, security.DefaultProfile())
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "hello from pod")
}

func TestPodBackendRejectsUnsupportedLanguage(t *testing.T) {
	backend := NewPodBackend(PodBackendConfig{APIServerURL: "https://127.0.0.1:1"})
	_, err := backend.Execute(context.Background(), Request{Language: "cobol", Code: "x"}, security.DefaultProfile())
	require.Error(t, err)
}
