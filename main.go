package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cast"

	"github.com/stevemurr/bionexo-migrate/archive"
	"github.com/stevemurr/bionexo-migrate/config"
	"github.com/stevemurr/bionexo-migrate/handler"
	"github.com/stevemurr/bionexo-migrate/session"
	"github.com/stevemurr/bionexo-migrate/store"
	"github.com/stevemurr/bionexo-migrate/timestamp"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

const usage = `Usage: bionexo-migrate <command> [flags]

Commands:
  backfill           derive feeling/appetite/digestive scales and meal defaults
  fix-dates          rewrite date fields as canonical UTC
  remove-timeseries  convert time-series collections into regular ones
  link-foods         build the foods catalog from intakes and set food_id
  verify             validate collections against the scale schema
  samples            show documents with their legacy and derived fields
  dump               export collections to compressed archives
  load               import an archive into a collection
  serve              run the admin HTTP API

Every command is a dry run unless --apply is given.
Run 'bionexo-migrate <command> -h' for the flags of a command.
`

// corsMiddleware wraps an http.Handler with CORS headers.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	// Fast path: wildcard allows everything.
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range allowedOrigins {
				if strings.TrimSpace(o) == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cli holds the parsed flags of one invocation.
type cli struct {
	command string
	fs      *flag.FlagSet

	configPath  string
	backend     string
	uri         string
	database    string
	dataDir     string
	apply       bool
	collections string
	batchSize   int
	parallel    int
	logLevel    string
	logOutput   string
	showSamples samplesFlag
	showStats   bool

	fixSwap   bool
	forceSwap bool
	addDay    bool
	sourceTZ  string
	zoneField string
	fields    string

	forceBackup bool
	resume      bool
	archiveDir  string

	user string

	file    string
	target  string
	listen  string
	origins string
}

func newCLI(command string, stderr io.Writer) *cli {
	c := &cli{command: command, fs: flag.NewFlagSet(command, flag.ContinueOnError)}
	fs := c.fs
	fs.SetOutput(stderr)

	fs.StringVar(&c.configPath, "config", "", "Path to a YAML or TOML config file")
	fs.StringVar(&c.backend, "backend", "", "Store backend: mongo, sqlite, json, memory")
	fs.StringVar(&c.uri, "uri", "", "MongoDB connection string (default $MONGODB_URI)")
	fs.StringVar(&c.database, "database", "", "Database name (default $BIONEXO_DB or bionexo)")
	fs.StringVar(&c.dataDir, "data-dir", "", "Data directory of the sqlite and json backends")
	fs.BoolVar(&c.apply, "apply", false, "Write changes (default is a dry run)")
	fs.StringVar(&c.collections, "collections", "", "Comma-separated collections to process")
	fs.IntVar(&c.batchSize, "batch-size", 0, "Documents per batch")
	fs.IntVar(&c.parallel, "parallel", 0, "Collections processed concurrently")
	fs.StringVar(&c.logLevel, "log-level", "", "Logging level (debug, info, warn, error)")
	fs.StringVar(&c.logOutput, "log-output", "", "Log output (stdout, stderr, file, none)")
	fs.Var(&c.showSamples, "show-samples", "Show computed changes per collection; --show-samples=N caps them at N")
	fs.BoolVar(&c.showStats, "show-stats", false, "Show coverage statistics after the run")

	switch command {
	case "fix-dates":
		fs.BoolVar(&c.fixSwap, "fix-swap", false, "Swap day and month when the month is invalid")
		fs.BoolVar(&c.forceSwap, "force-swap", false, "Swap day and month unconditionally")
		fs.BoolVar(&c.addDay, "add-day", false, "Add one day to every normalized date")
		fs.StringVar(&c.sourceTZ, "source-tz", "", "Zone of naive timestamps (default UTC)")
		fs.StringVar(&c.zoneField, "zone-field", "", "Document field holding a per-document zone name")
		fs.StringVar(&c.fields, "fields", "", "Comma-separated date fields (default per collection)")
	case "remove-timeseries":
		fs.BoolVar(&c.forceBackup, "force-backup", false, "Replace an existing backup collection")
		fs.BoolVar(&c.resume, "resume", false, "Finish a failed run from its backup collection")
		fs.StringVar(&c.archiveDir, "archive-dir", "", "Archive each collection here before dropping it")
	case "link-foods":
		fs.StringVar(&c.user, "user", "", "Only link the intakes of this user")
	case "dump":
		fs.StringVar(&c.archiveDir, "archive-dir", "", "Directory receiving the archives")
	case "load":
		fs.StringVar(&c.file, "file", "", "Archive to load (required)")
		fs.StringVar(&c.target, "collection", "", "Target collection (default from the archive)")
	case "serve":
		fs.StringVar(&c.listen, "listen", "", "Listen address (default from config, :8090)")
		fs.StringVar(&c.origins, "allowed-origins", "*", "Comma-separated CORS origins")
	}
	return c
}

// samplesFlag is a switch that optionally takes a count: --show-samples,
// --show-samples=false or --show-samples=3.
type samplesFlag struct {
	on bool
	n  int
}

func (f *samplesFlag) String() string {
	if f == nil || !f.on {
		return "false"
	}
	if f.n > 0 {
		return cast.ToString(f.n)
	}
	return "true"
}

func (f *samplesFlag) Set(v string) error {
	if n, err := cast.ToIntE(v); err == nil {
		if n < 0 {
			return fmt.Errorf("negative count %d", n)
		}
		f.on, f.n = n > 0, n
		return nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return fmt.Errorf("want a boolean or a count, got %q", v)
	}
	f.on, f.n = b, 0
	return nil
}

func (f *samplesFlag) IsBoolFlag() bool { return true }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadConfig layers flags over the environment over the config file over
// the defaults.
func (c *cli) loadConfig(lookup func(string) (string, bool)) (*config.Config, error) {
	cfg, err := config.LoadFile(c.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(lookup)

	set := map[string]bool{}
	c.fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["backend"] {
		cfg.Store.Backend = c.backend
	}
	if set["uri"] {
		cfg.Store.URI = c.uri
	}
	if set["database"] {
		cfg.Store.Database = c.database
	}
	if set["data-dir"] {
		cfg.Store.DataDir = c.dataDir
	}
	if set["collections"] {
		cfg.Migration.Collections = splitList(c.collections)
	}
	if set["batch-size"] {
		cfg.Migration.BatchSize = c.batchSize
	}
	if set["parallel"] {
		cfg.Migration.Parallelism = c.parallel
	}
	if set["log-level"] {
		cfg.Logging.Level = c.logLevel
	}
	if set["log-output"] {
		cfg.Logging.Output = c.logOutput
	}
	if set["source-tz"] {
		cfg.Migration.SourceTZ = c.sourceTZ
	}
	if set["zone-field"] {
		cfg.Migration.ZoneField = c.zoneField
	}
	if set["archive-dir"] {
		cfg.Migration.ArchiveDir = c.archiveDir
	}
	if set["listen"] {
		cfg.Server.ListenAddress = c.listen
	}
	if set["show-samples"] && c.showSamples.n > 0 {
		cfg.Migration.MaxSamples = c.showSamples.n
	}
	return cfg, cfg.Validate()
}

func (c *cli) options(cfg *config.Config) (session.Options, error) {
	zone, err := cfg.SourceZone()
	if err != nil {
		return session.Options{}, err
	}
	samples := 0
	if c.showSamples.on || c.command == "samples" {
		samples = cfg.Migration.MaxSamples
	}
	return session.Options{
		Apply:       c.apply,
		Collections: cfg.Migration.Collections,
		Policy: timestamp.Policy{
			FixSwapOnInvalidMonth: c.fixSwap,
			ForceSwap:             c.forceSwap,
			AddDayOffset:          c.addDay,
			SourceZone:            zone,
			ZoneField:             cfg.Migration.ZoneField,
		},
		DateFields:  splitList(c.fields),
		ForceBackup: c.forceBackup,
		Resume:      c.resume,
		ArchiveDir:  cfg.Migration.ArchiveDir,
		User:        c.user,
		BatchSize:   cfg.Migration.BatchSize,
		Parallelism: cfg.Migration.Parallelism,
		ShowSamples: samples,
		ShowStats:   c.showStats,
		Schemas:     cfg.Schemas,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	return store.New(ctx, store.Options{
		Backend:  cfg.Store.Backend,
		DataDir:  cfg.Store.DataDir,
		URI:      cfg.Store.URI,
		Database: cfg.Store.Database,
		Timeout:  cfg.StoreTimeout(),
	})
}

// run executes one invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, lookup func(string) (string, bool)) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}
	command := args[0]
	switch command {
	case "backfill", "fix-dates", "remove-timeseries", "link-foods", "verify", "samples", "dump", "load", "serve":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return exitUsage
	}

	c := newCLI(command, stderr)
	if err := c.fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if c.fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", c.fs.Args())
		return exitUsage
	}

	cfg, err := c.loadConfig(lookup)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitUsage
	}
	logger, closer, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitUsage
	}
	defer closer.Close()
	slog.SetDefault(logger)

	opts, err := c.options(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitUsage
	}
	if command == "load" && c.file == "" {
		fmt.Fprintln(stderr, "load needs --file")
		return exitUsage
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "backend", cfg.Store.Backend, "error", err)
		return exitUsage
	}
	defer s.Close()

	switch command {
	case "dump":
		return dump(ctx, s, cfg, opts, stdout, logger)
	case "load":
		n, err := archive.LoadFile(ctx, s, c.target, c.file, opts.BatchSize)
		if err != nil {
			logger.Error("load failed", "file", c.file, "loaded", n, "error", err)
			return exitFailed
		}
		fmt.Fprintf(stdout, "loaded %d documents from %s\n", n, c.file)
		return exitOK
	case "serve":
		return serve(ctx, s, cfg, opts, c.origins, logger)
	}

	rep, err := session.New(s, logger).Run(ctx, session.Command(command), opts)
	if err != nil {
		if errors.Is(err, session.ErrUnknownCollection) {
			fmt.Fprintf(stderr, "configuration error: %v\n", err)
			return exitUsage
		}
		logger.Error("run failed", "command", command, "error", err)
		return exitFailed
	}
	rep.Print(stdout)
	if rep.Failed() {
		return exitFailed
	}
	return exitOK
}

func dump(ctx context.Context, s store.Store, cfg *config.Config, opts session.Options, stdout io.Writer, logger *slog.Logger) int {
	dir := cfg.Migration.ArchiveDir
	if dir == "" {
		dir = "./archives"
	}
	colls := opts.Collections
	if len(colls) == 0 {
		names, err := s.ListCollectionNames(ctx)
		if err != nil {
			logger.Error("list collections failed", "error", err)
			return exitFailed
		}
		colls = names
	}
	code := exitOK
	for _, coll := range colls {
		path, n, err := archive.DumpFile(ctx, s, dir, coll, opts.BatchSize)
		if err != nil {
			logger.Error("dump failed", "collection", coll, "error", err)
			code = exitFailed
			continue
		}
		fmt.Fprintf(stdout, "%s\t%d\t%s\n", coll, n, path)
	}
	return code
}

func serve(ctx context.Context, s store.Store, cfg *config.Config, opts session.Options, origins string, logger *slog.Logger) int {
	h := handler.New(s, opts, logger)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           corsMiddleware(h, strings.Split(origins, ",")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("admin API starting", "addr", srv.Addr, "backend", cfg.Store.Backend)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		logger.Error("server error", "error", err)
		return exitFailed
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return exitFailed
	}
	logger.Info("admin API stopped")
	return exitOK
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv)
	stop()
	os.Exit(code)
}
