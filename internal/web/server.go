// Package web serves a read-only view of workflow state: a small HTML
// dashboard, JSON endpoints and a server-sent event stream per instance.
package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucasnoah/devflow/internal/db"
	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/telemetry"
)

var funcMap = template.FuncMap{
	"stageClass": func(stage pipeline.Stage) string {
		return "stage stage-" + string(stage)
	},
	"relTime": relTime,
}

// Options configures a Server.
type Options struct {
	// DB holds the event log and queue. Endpoints that need it return 404
	// when it is nil.
	DB *db.DB
	// Platform resolves bare issue numbers in URLs.
	Platform string
	// PollInterval is how often streams check for instance changes.
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Server is the read-only web UI server.
type Server struct {
	store    pipeline.Store
	db       *db.DB
	platform string
	poll     time.Duration
	log      zerolog.Logger

	dashboardTmpl *template.Template
}

// NewServer creates a Server with parsed templates.
func NewServer(store pipeline.Store, opts Options) *Server {
	if opts.Platform == "" {
		opts.Platform = "github"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Server{
		store:         store,
		db:            opts.DB,
		platform:      opts.Platform,
		poll:          opts.PollInterval,
		log:           telemetry.Component(opts.Logger, "web"),
		dashboardTmpl: template.Must(template.New("dashboard").Funcs(funcMap).Parse(dashboardHTML)),
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /api/instances", s.handleInstances)
	mux.HandleFunc("GET /api/instances/{key}", s.handleInstance)
	mux.HandleFunc("GET /api/instances/{key}/events", s.handleEvents)
	mux.HandleFunc("GET /api/instances/{key}/stream", s.handleStream)
	mux.HandleFunc("GET /api/queue", s.handleQueue)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	return s.logRequests(mux)
}

// Start listens on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msgf("devflow UI: http://localhost%s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("request")
	})
}

// instanceKey resolves the {key} path value; "42" and "github#42" are both
// accepted.
func (s *Server) instanceKey(r *http.Request) (string, error) {
	raw := r.PathValue("key")
	platform, n, err := pipeline.ParseKey(raw)
	if err != nil {
		return "", err
	}
	if raw == fmt.Sprint(n) {
		platform = s.platform
	}
	return pipeline.Key(platform, n), nil
}

const dashboardHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>devflow</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; }
table { border-collapse: collapse; margin-bottom: 2rem; }
th, td { text-align: left; padding: .3rem .8rem; border-bottom: 1px solid #ddd; }
.stage { font-weight: 600; }
.stage-completed { color: #1a7f37; }
.stage-failed { color: #cf222e; }
</style>
</head>
<body>
<h1>devflow</h1>
<h2>Workflows</h2>
{{if .Instances}}
<table>
<tr><th>Issue</th><th>Stage</th><th>Attempt</th><th>Maturity</th><th>Updated</th><th>Title</th></tr>
{{range .Instances}}
<tr>
<td><a href="/api/instances/{{.Key}}">{{.ID}}</a></td>
<td class="{{stageClass .Stage}}">{{.Stage}}</td>
<td>{{.Attempt}}</td>
<td>{{.Maturity}}</td>
<td>{{relTime .UpdatedAt}}</td>
<td>{{.Title}}</td>
</tr>
{{end}}
</table>
{{else}}
<p>No workflows.</p>
{{end}}
{{if .Events}}
<h2>Recent activity</h2>
<table>
<tr><th>Time</th><th>Issue</th><th>Event</th><th>Stage</th><th>Detail</th></tr>
{{range .Events}}
<tr><td>{{.Timestamp}}</td><td>{{.IssueKey}}</td><td>{{.Event}}</td><td>{{.Stage}}</td><td>{{.Detail}}</td></tr>
{{end}}
</table>
{{end}}
</body>
</html>
`
