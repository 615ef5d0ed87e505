package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/onkostar/mtbexport/internal/config"
	"github.com/onkostar/mtbexport/internal/domain/export"
	"github.com/onkostar/mtbexport/internal/domain/mtb"
	"github.com/onkostar/mtbexport/internal/platform/auth"
	"github.com/onkostar/mtbexport/internal/platform/blobstore"
	"github.com/onkostar/mtbexport/internal/platform/db"
	"github.com/onkostar/mtbexport/internal/platform/onkostar"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "mtb-export",
		Short:        "Export Onkostar tumour board data as MTB CSV",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", ".env", "Path to the configuration file")

	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Development mode logs in console
// format; everything else logs JSON.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	lvl, _ := cfg.Level()
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "mtb-export").Logger()
}

func openSource(ctx context.Context, cfg *config.Config) (db.DB, error) {
	if err := cfg.RequireSource(); err != nil {
		return nil, err
	}
	driver, err := cfg.Driver()
	if err != nil {
		return nil, err
	}
	d, err := db.Open(ctx, driver, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to %s source: %w", driver, err)
	}
	return d, nil
}

func exportConfig(cfg *config.Config) (export.Config, error) {
	opts, err := cfg.CSVOptions()
	if err != nil {
		return export.Config{}, err
	}
	return export.Config{
		Workers:          cfg.Workers,
		FilterIncomplete: cfg.FilterIncomplete,
		CSV:              opts,
		Header:           cfg.CSVHeader,
	}, nil
}

func storeConfig(cfg *config.Config) blobstore.Config {
	return blobstore.Config{
		Dir:       cfg.OutputDir,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	}
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export cases as CSV",
		Long: `Reads the selected cases from Onkostar, maps and validates them and writes
one CSV row per leaf of each case. Cases with fatal defects are skipped and
listed on stderr. With --store or --s3-key the CSV goes to the artifact store
(S3_BUCKET or OUTPUT_DIR) instead of --out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			patients, _ := cmd.Flags().GetStringSlice("patient-id")
			cases, _ := cmd.Flags().GetStringSlice("case-id")
			all, _ := cmd.Flags().GetBool("all")
			out, _ := cmd.Flags().GetString("out")
			key, _ := cmd.Flags().GetString("s3-key")
			store, _ := cmd.Flags().GetBool("store")
			if cmd.Flags().Changed("filter-incomplete") {
				cfg.FilterIncomplete, _ = cmd.Flags().GetBool("filter-incomplete")
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers, _ = cmd.Flags().GetInt("workers")
				if cfg.Workers < 1 {
					return fmt.Errorf("--workers must be at least 1")
				}
			}
			if cmd.Flags().Changed("report") {
				cfg.ReportFile, _ = cmd.Flags().GetString("report")
			}

			sel, err := export.Request{PatientIDs: patients, CaseNumbers: cases, All: all}.Selection()
			if err != nil {
				return err
			}

			// Logs must not mix with CSV on stdout.
			logger := newLogger(cfg, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runExport(ctx, cmd, cfg, logger, sel, exportTarget{out: out, key: key, store: store || key != ""})
		},
	}
	cmd.Flags().StringSlice("patient-id", nil, "Patient id to export (repeatable)")
	cmd.Flags().StringSlice("case-id", nil, "Case number (fallnummermv) to export (repeatable)")
	cmd.Flags().Bool("all", false, "Export every patient with a KPA form")
	cmd.Flags().StringP("out", "o", "-", "Output file, - for stdout")
	cmd.Flags().String("s3-key", "", "Store the CSV under this key in the artifact store")
	cmd.Flags().Bool("store", false, "Store the CSV in the artifact store under a generated key")
	cmd.Flags().Bool("filter-incomplete", false, "Drop incomplete non-root entities instead of skipping the case")
	cmd.Flags().Int("workers", 0, "Cases processed in parallel (default WORKERS)")
	cmd.Flags().String("report", "", "Write a JSON Lines defect report to this file (default REPORT_FILE)")
	return cmd
}

type exportTarget struct {
	out   string
	key   string
	store bool
}

func runExport(ctx context.Context, cmd *cobra.Command, cfg *config.Config, logger zerolog.Logger, sel onkostar.Selection, target exportTarget) error {
	profile, err := mtb.LoadProfileFile(cfg.ProfileFile)
	if err != nil {
		return err
	}
	d, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	ecfg, err := exportConfig(cfg)
	if err != nil {
		return err
	}
	svc := export.NewService(d, profile, ecfg, export.NewMemoryRunRepo(1), logger)

	var opts []export.RunOption
	if cfg.ReportFile != "" {
		f, err := os.Create(cfg.ReportFile)
		if err != nil {
			return fmt.Errorf("create defect report: %w", err)
		}
		defer f.Close()
		opts = append(opts, export.WithDefectReport(f, false))
	}

	var report *export.RunReport
	if target.store {
		if err := cfg.RequireStore(); err != nil {
			return err
		}
		st, err := blobstore.Open(ctx, storeConfig(cfg))
		if err != nil {
			return err
		}
		svc.SetStore(st)
		report, err = svc.Export(ctx, sel, target.key, opts...)
		if err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		if target.out != "-" {
			f, err := os.Create(target.out)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		report, err = svc.Run(ctx, sel, w, opts...)
		if err != nil {
			return err
		}
	}

	printSummary(cmd.ErrOrStderr(), report)
	return nil
}

func printSummary(w io.Writer, r *export.RunReport) {
	fmt.Fprintf(w, "run %s: %d case(s), %d exported, %d skipped, %d row(s), %d warning(s)\n",
		r.ID, r.Cases, r.Exported, r.Skipped, r.Rows, r.Warnings)
	for _, c := range r.SkippedCases {
		fmt.Fprintf(w, "  skipped case %s:\n", c.CaseID)
		for _, d := range c.Defects {
			if d.Severity != mtb.SeverityFatal.String() {
				continue
			}
			fmt.Fprintf(w, "    %s %s/%s %s\n", d.Kind, d.Variant, d.EntityID, d.Message)
		}
	}
	if r.Artifact != nil {
		fmt.Fprintf(w, "stored at %s (%d bytes, sha256 %s)\n", r.Artifact.Location, r.Artifact.Size, r.Artifact.Hash)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the export API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, newLogger(cfg, os.Stdout))
		},
	}
}

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect the mapping profile",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective profile as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			p, err := mtb.LoadProfileFile(cfg.ProfileFile)
			if err != nil {
				return err
			}
			return p.WriteYAML(cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Validate a profile file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := mtb.LoadProfileFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %s is valid: %d columns\n", p.Version, len(p.Schema.Columns))
			return nil
		},
	})
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage local Onkostar snapshots",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the Onkostar tables read by the exporter",
		RunE: func(cmd *cobra.Command, args []string) error {
			demo, _ := cmd.Flags().GetBool("demo")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			d, err := openSource(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			count, err := db.NewMigrator(d, onkostar.Schema()).Up(ctx)
			if err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d schema file(s).\n", count)

			if demo {
				if err := onkostar.SeedDemo(ctx, d); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Demo data loaded.")
			}
			return nil
		},
	}
	initCmd.Flags().Bool("demo", false, "Load the demo dataset")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show which schema files are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			d, err := openSource(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			statuses, err := db.NewMigrator(d, onkostar.Schema()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get schema status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				if s.Applied {
					status = "applied"
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, s.AppliedAt)
			}
			return nil
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the export API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return errors.New("AUTH_SIGNING_KEY is not set")
			}
			subject, _ := cmd.Flags().GetString("subject")
			scopes, _ := cmd.Flags().GetStringSlice("scope")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			tok, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, subject, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "mtb-export-cli", "Token subject")
	cmd.Flags().StringSlice("scope", []string{auth.ScopeExportRead, auth.ScopeExportWrite}, "Granted scopes")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mtb-export %s\n", version)
		},
	}
}
