// Command xtermd serves a single shared PTY-attached shell to any number of
// browser clients over a websocket, optionally recording the session as a
// binary .cast stream.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xtermd/xtermd/internal/cast"
	"github.com/xtermd/xtermd/internal/ptymgr"
	"github.com/xtermd/xtermd/internal/wsmux"
	"github.com/xtermd/xtermd/internal/xconfig"
)

type args struct {
	command         string
	rows            uint16
	cols            uint16
	resource        string
	logDir          string
	configPath      string
	port            int
	historyLimit    int
	logLevel        uint8
	verboseInterval int
}

func main() {
	a := &args{}

	root := &cobra.Command{
		Use:   "xtermd",
		Short: "Browser-accessible terminal multiplexer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), a)
		},
	}

	flags := root.Flags()
	flags.StringVar(&a.command, "command", "/bin/bash", "command to run in the terminal")
	flags.Uint16Var(&a.rows, "rows", 24, "terminal initial rows")
	flags.Uint16Var(&a.cols, "cols", 80, "terminal initial columns")
	flags.StringVar(&a.resource, "resource", "", "path to static files")
	flags.StringVar(&a.logDir, "log-dir", "/home/student/.local/state/workspace-logs/", "path to cast/heartbeat log directory")
	flags.StringVar(&a.configPath, "config-path", "/home/student/.config/config.toml", "path to the client preferences file")
	flags.IntVar(&a.port, "port", 8080, "port to listen on")
	flags.IntVar(&a.historyLimit, "history-limit", 4194304, "terminal history buffer limit (bytes)")
	flags.Uint8Var(&a.logLevel, "log-level", 0, "log verbosity: 0=none 1=cast files 2=cast files & stdout")
	flags.IntVar(&a.verboseInterval, "verbose-interval", 120, "verbose log interval in seconds (log-level 2 only)")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stdoutSink mirrors the original reference implementation's verbose cast
// side-channel: it writes straight to the process's own stdout, entirely
// independent of the sidecar's Unix-socket protocol (see internal/sidecar).
type stdoutSink struct {
	mu  sync.Mutex
	out *os.File
}

func (s *stdoutSink) Emit(kind string, payload any) {
	line, err := json.Marshal([2]any{kind, payload})
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(line)
	s.out.Write([]byte("\n"))
}

func run(ctx context.Context, a *args) error {
	if a.logLevel > 2 {
		return fmt.Errorf("--log-level must be 0, 1, or 2, got %d", a.logLevel)
	}
	if a.verboseInterval < 10 || a.verboseInterval > 3600 {
		return fmt.Errorf("--verbose-interval must be between 10 and 3600, got %d", a.verboseInterval)
	}

	logger := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          "xtermd",
	})

	pty, err := ptymgr.New(a.command, a.rows, a.cols, a.historyLimit, logger)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer pty.Close()

	start := time.Now()
	tsMillis := uint64(start.UnixMilli())

	var recorder *cast.Recorder
	if a.logLevel > 0 {
		recorder, err = cast.NewRecorder(cast.Config{
			LogDir:          a.logDir,
			TimestampMillis: tsMillis,
			Verbose:         a.logLevel == 2,
			VerboseInterval: time.Duration(a.verboseInterval) * time.Second,
			Rows:            a.rows,
			Cols:            a.cols,
			Sink:            &stdoutSink{out: os.Stdout},
		}, start)
		if err != nil {
			return fmt.Errorf("start cast recorder: %w", err)
		}
		defer recorder.Close()
	}

	cfgWatcher, err := xconfig.New(a.configPath, logger)
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	defer cfgWatcher.Close()

	sessionHandler := wsmux.NewHandler(pty, recorder, cfgWatcher, start, logger)
	debugHandler := wsmux.NewDebugHandler(a.command, pty.Size, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	if a.resource != "" {
		fileServer := http.FileServer(http.Dir(a.resource))
		router.Handle("/static/*", http.StripPrefix("/static", fileServer))
		router.Get("/", indexHandler(a.resource))
		router.Get("/debug", indexHandler(a.resource))
	}
	router.Handle("/ws", sessionHandler)
	router.Handle("/debug/ws", debugHandler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on http://0.0.0.0:%d", a.port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func indexHandler(resourceDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, resourceDir+"/index.html")
	}
}

func requestLogger(logger *charmlog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := uuid.New().String()
			logger.Debug("request", "id", reqID, "method", r.Method, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}
