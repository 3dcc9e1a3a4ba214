package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sandboxd/internal/config"
	"sandboxd/internal/logging"
	"sandboxd/internal/sandbox"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("WARNING: No .env file found, using environment variables")
		}
	}

	logging.Init()
	defer logging.Sync()
	logger := logging.S()

	logger.Infow("starting sandboxd", "environment", config.GetEnvironment())

	sessionCfg, err := config.FromEnv()
	if err != nil {
		logger.Fatalw("invalid sandbox configuration", "error", err)
	}
	logger.Infow("sandbox configuration loaded",
		"backend", sessionCfg.Backend, "language", sessionCfg.Language,
		"memory_limit", sessionCfg.MemoryLimit, "cpu_limit", sessionCfg.CPULimit)

	facadeCfg := sandbox.Config{
		AllowedOrigins: allowedOrigins(),
	}
	if apiServer := os.Getenv("SANDBOX_POD_API_SERVER"); apiServer != "" {
		facadeCfg.PodBackend = sandbox.NewPodBackend(sandbox.PodBackendConfig{
			APIServerURL: apiServer,
			Namespace:    sessionCfg.Namespace,
			BearerToken:  os.Getenv("SANDBOX_POD_TOKEN"),
		})
		logger.Infow("pod backend configured", "api_server", apiServer, "namespace", sessionCfg.Namespace)
	}

	facade, err := sandbox.New(facadeCfg)
	if err != nil {
		logger.Fatalw("failed to initialize sandbox facade", "error", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(facade))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/execute", executeHandler(facade))
	mux.HandleFunc("/v1/sessions/", interactiveHandler(facade))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("listening", "port", port)
		serverErrors <- httpServer.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server failed", "error", err)
		}
	case sig := <-quit:
		logger.Infow("received signal, starting graceful shutdown", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http server shutdown error", "error", err)
	}
	logger.Info("http server stopped")

	if err := facade.Cleanup(); err != nil {
		logger.Warnw("sandbox cleanup error", "error", err)
	}
	logger.Info("graceful shutdown complete")
}

func allowedOrigins() []string {
	v := os.Getenv("SANDBOX_ALLOWED_ORIGINS")
	if v == "" {
		return nil
	}
	var origins []string
	for _, o := range splitAndTrim(v, ",") {
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func splitAndTrim(s, sep string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if string(s[i]) == sep {
			out = append(out, trimSpace(s[start:i]))
			start = i + 1
		}
	}
	out = append(out, trimSpace(s[start:]))
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

func healthHandler(f *sandbox.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":              "ok",
			"container_available": f.IsContainerAvailable(),
			"pod_available":       f.IsPodAvailable(),
		})
	}
}

type executeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin"`
	Backend  string `json:"backend"`
}

func executeHandler(f *sandbox.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		limits := sandbox.DefaultLimits()
		result, err := f.Execute(r.Context(), sandbox.Request{
			Language: req.Language,
			Code:     req.Code,
			Stdin:    req.Stdin,
			Backend:  sandbox.Backend(req.Backend),
			Limits:   limits,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

// interactiveHandler serves the terminal websocket at /v1/sessions/<id>.
// Session creation/teardown over REST is left for a future endpoint; this
// wires the websocket side, which is what a client needs to attach a PTY.
func interactiveHandler(f *sandbox.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromPath(r.URL.Path)
		if sessionID == "" {
			http.NotFound(w, r)
			return
		}
		if err := f.ServeTerminal(w, r, sessionID); err != nil {
			logging.S().Warnw("terminal session failed", "session", sessionID, "error", err)
		}
	}
}

func sessionIDFromPath(path string) string {
	const prefix = "/v1/sessions/"
	if len(path) <= len(prefix) {
		return ""
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return rest
}
