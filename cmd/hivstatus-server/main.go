package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/hivstatus/internal/config"
	"github.com/ehr/hivstatus/internal/domain/hivstatus"
	"github.com/ehr/hivstatus/internal/domain/referral"
	"github.com/ehr/hivstatus/internal/platform/auth"
	"github.com/ehr/hivstatus/internal/platform/db"
	"github.com/ehr/hivstatus/internal/platform/fhir"
	"github.com/ehr/hivstatus/internal/platform/middleware"
	"github.com/ehr/hivstatus/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hivstatus-server",
		Short: "HIV status resolution API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(resolveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string, w io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// setup loads the configuration and opens the pool every command needs.
func setup(ctx context.Context) (*config.Config, zerolog.Logger, *pgxpool.Pool, error) {
	logger := newLogger(os.Getenv("ENV"), os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		return nil, logger, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, logger, nil, err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn().Msg(w)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		TimeZone: cfg.TimeZone,
	}, logger)
	if err != nil {
		return nil, logger, nil, err
	}
	return cfg, logger, pool, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			target, _ := cmd.Flags().GetInt("target")

			ctx := context.Background()
			_, logger, pool, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir))
			migrator.SetLogger(logger)
			count, err := migrator.UpTo(ctx, schema, target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to %s.\n", count, schema)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	upCmd.Flags().Int("target", 0, "Stop after this version (0 applies all)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, _, pool, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFS(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			_, logger, pool, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			migrator.SetLogger(logger)
			if err := db.CreateTenantSchema(ctx, pool, name, migrator); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s created in schema %s.\n", name, db.TenantSchema(name))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// resolveFlags are the inputs of the resolve command.
type resolveFlags struct {
	subject       string
	tenant        string
	visitCode     string
	encounter     int
	asOf          string
	includeVerbal bool
	resultList    string
}

// query builds a stored-lookup query. encounterSet tells whether --encounter
// was given, since 0 is a valid encounter.
func (f resolveFlags) query(stored hivstatus.Source, loc *time.Location, encounterSet bool) (hivstatus.Query, error) {
	subjectID, err := uuid.Parse(f.subject)
	if err != nil {
		return hivstatus.Query{}, fmt.Errorf("--subject: %w", err)
	}
	q := hivstatus.Query{
		SubjectID:     subjectID,
		VisitCode:     f.visitCode,
		IncludeVerbal: f.includeVerbal,
		Tested:        stored,
		Documented:    stored,
		Indirect:      stored,
		Verbal:        stored,
	}
	if encounterSet {
		enc := f.encounter
		q.Encounter = &enc
	}
	if f.asOf != "" {
		ref, err := hivstatus.ParseReferenceTime(f.asOf, loc)
		if err != nil {
			return hivstatus.Query{}, fmt.Errorf("--as-of: %w", err)
		}
		q.ReferenceTime = &ref
	}
	if f.resultList != "" {
		for _, code := range strings.Split(f.resultList, ",") {
			q.ResultList = append(q.ResultList, strings.ToUpper(strings.TrimSpace(code)))
		}
	}
	return q, nil
}

func resolveCmd() *cobra.Command {
	var f resolveFlags
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the HIV status of one subject and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, logger, pool, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := newApp(cfg, logger, pool)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("include-verbal") {
				f.includeVerbal = cfg.IncludeVerbal
			}
			if f.tenant == "" {
				f.tenant = cfg.DefaultTenant
			}
			q, err := f.query(a.statuses.Stored(), a.statuses.Location(), cmd.Flags().Changed("encounter"))
			if err != nil {
				return err
			}

			ctx, release, err := db.WithTenantConn(ctx, pool, f.tenant)
			if err != nil {
				return err
			}
			defer release()

			st, err := a.statuses.Resolve(ctx, q)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&f.subject, "subject", "", "Subject id (uuid)")
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "Tenant id (defaults to DEFAULT_TENANT)")
	cmd.Flags().StringVar(&f.visitCode, "visit-code", "", "Scope lookups to this visit code")
	cmd.Flags().IntVar(&f.encounter, "encounter", 0, "Scope lookups to this encounter")
	cmd.Flags().StringVar(&f.asOf, "as-of", "", "Reference time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().BoolVar(&f.includeVerbal, "include-verbal", false, "Count self-reported results")
	cmd.Flags().StringVar(&f.resultList, "result-list", "", "Comma separated result values to look for")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// app holds the wired services shared by the server and the CLI.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	registry *prometheus.Registry
	statuses *hivstatus.Service
	referral *referral.Service
}

func mappingsFromConfig(in map[string]config.MappingConfig) hivstatus.Mappings {
	out := make(hivstatus.Mappings, len(in))
	for kind, m := range in {
		out[hivstatus.SourceKind(strings.ToLower(kind))] = hivstatus.FieldMapping{
			Table:           m.Table,
			ValueColumn:     m.ValueColumn,
			TimestampColumn: m.TimestampColumn,
		}
	}
	return out
}

func newApp(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	mappings := hivstatus.DefaultMappings()
	if cfg.MappingsFile != "" {
		m, err := config.LoadMappings(cfg.MappingsFile)
		if err != nil {
			return nil, err
		}
		mappings = mappingsFromConfig(m)
		logger.Info().Str("file", cfg.MappingsFile).Int("entries", len(mappings)).Msg("loaded field mappings")
	}

	repo, err := hivstatus.NewRepo(pool, mappings)
	if err != nil {
		return nil, fmt.Errorf("field mappings: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		db.NewPoolCollector(pool),
	)

	statuses := hivstatus.NewService(repo, mappings, loc, logger)
	statuses.SetMetrics(hivstatus.NewMetrics(reg))

	referrals := referral.NewService(statuses, referral.NewEvaluator(referral.DefaultVocabulary()), logger)
	referrals.SetVerbalDefault(cfg.IncludeVerbal)

	return &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		registry: reg,
		statuses: statuses,
		referral: referrals,
	}, nil
}

func (a *app) router() *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	scoped := []echo.MiddlewareFunc{
		middleware.RateLimit(rateLimitCfg),
		middleware.RequestTimeout(timeout),
		db.TenantMiddleware(a.pool, cfg.DefaultTenant),
		db.ReadSnapshot(),
	}

	apiV1 := e.Group("/api/v1", scoped...)
	fhirGroup := e.Group("/fhir", scoped...)

	statusHandler := hivstatus.NewHandler(a.statuses)
	statusHandler.SetVerbalDefault(cfg.IncludeVerbal)
	statusHandler.RegisterRoutes(apiV1, fhirGroup)

	referral.NewHandler(a.referral).RegisterRoutes(apiV1)

	capability := fhir.NewCapabilityStatement(
		fmt.Sprintf("http://localhost:%s/fhir", cfg.Port),
		version,
		[]fhir.CSResource{statusHandler.Capability()},
	)
	e.GET("/fhir/metadata", func(c echo.Context) error {
		return c.JSON(http.StatusOK, capability)
	})

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	return e
}

func runServer() error {
	ctx := context.Background()
	cfg, logger, pool, err := setup(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer pool.Close()

	a, err := newApp(cfg, logger, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}
	e := a.router()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("time_zone", cfg.TimeZone).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
