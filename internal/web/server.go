package web

import (
	"bytes"
	"crypto/subtle"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"miio-fan/internal/automation"
	"miio-fan/internal/coordinator"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetrics serves the collectors of g on /metrics.
func WithMetrics(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// Server is the HTTP front end of the fan: REST API, event WebSocket,
// metrics and a status page.
type Server struct {
	coord          *coordinator.Coordinator
	page           *template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	gatherer       prometheus.Gatherer
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts broadcasting coordinator events
// to WebSocket clients.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:  coord,
		page:   template.Must(template.New("index").Parse(indexHTML)),
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)

	s.mux.HandleFunc("GET /api/info", s.handleAPIInfo)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/mapping", s.handleAPIMapping)
	s.mux.HandleFunc("POST /api/power", s.handleAPIPower)
	s.mux.HandleFunc("POST /api/speed", s.handleAPISpeed)
	s.mux.HandleFunc("POST /api/oscillation", s.handleAPIOscillation)
	s.mux.HandleFunc("POST /api/buzzer", s.handleAPIBuzzer)
	s.mux.HandleFunc("POST /api/child-lock", s.handleAPIChildLock)
	s.mux.HandleFunc("POST /api/natural-mode", s.handleAPINaturalMode)
	s.mux.HandleFunc("POST /api/delay-off", s.handleAPIDelayOff)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Origin check on mutating requests against CSRF.
	if origin := r.Header.Get("Origin"); origin != "" && len(s.allowedOrigins) > 0 {
		allowed := s.isOriginAllowed(origin)
		switch {
		case r.Method == http.MethodOptions && allowed:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		case r.Method != http.MethodGet && !allowed:
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		case r.Method != http.MethodGet:
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	// Browsers cannot send custom headers on page loads or WS upgrades, so
	// only /api/ is key-protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	info := s.coord.Info()
	text := "No status yet."
	if st, _ := s.coord.LastStatus(); st != nil {
		text = st.Format()
	}

	// Render to a buffer so a template error does not leave a partial page.
	var buf bytes.Buffer
	if err := s.page.Execute(&buf, map[string]any{
		"Info":    info,
		"Status":  text,
		"Version": s.version,
	}); err != nil {
		s.logger.Error("render index", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write index", "err", err)
	}
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{with .Info.Name}}{{.}}{{else}}Mi Fan {{.Info.DID}}{{end}}</title></head>
<body>
<h1>{{with .Info.Name}}{{.}}{{else}}Mi Fan {{.Info.DID}}{{end}}</h1>
<p>{{.Info.Model}} &middot; did {{.Info.DID}} &middot; {{if .Info.Available}}online{{else}}offline{{end}}</p>
<pre id="status">{{.Status}}</pre>
<pre id="events"></pre>
<footer>miio-fan {{.Version}}</footer>
<script>
const log = document.getElementById("events");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (m) => { log.textContent = m.data + "\n" + log.textContent.slice(0, 4000); };
</script>
</body>
</html>
`
