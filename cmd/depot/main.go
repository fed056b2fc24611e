package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/depot/pkg/blob"
	"github.com/jacktea/depot/pkg/depot"
	"github.com/jacktea/depot/pkg/gc"
	"github.com/jacktea/depot/pkg/meta"
	"github.com/jacktea/depot/pkg/server/httpapi"
	"github.com/jacktea/depot/pkg/server/middleware"
	"github.com/jacktea/depot/pkg/server/s3gw"
)

type app struct {
	depot   *depot.Depot
	blobs   *blob.PathStore
	log     *slog.Logger
	cleanup func()
}

func (a *app) ensureDepot() error {
	if a.depot != nil {
		return nil
	}

	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	a.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	enc, err := encryptionFromConfig(viper.GetBool("encrypt"), viper.GetString("key"))
	if err != nil {
		return err
	}

	blobs, err := blob.NewPathStore(viper.GetString("data"), enc)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	metaPath := viper.GetString("meta")
	if metaPath == "" {
		metaPath = filepath.Join(viper.GetString("data"), "depot.db")
	}
	boltStore, err := meta.NewBoltStore(meta.BoltConfig{Path: metaPath})
	if err != nil {
		return fmt.Errorf("init metadata store: %w", err)
	}

	var records meta.Store = boltStore
	if entries := viper.GetInt("cache_entries"); entries > 0 {
		ttl := viper.GetDuration("cache_ttl")
		if ttl <= 0 {
			ttl = time.Minute
		}
		records = meta.NewCachedStore(boltStore, entries, ttl)
	}

	a.depot = depot.New(blobs, records, depot.Options{
		MaxPayload: viper.GetInt64("max_payload"),
		Log:        a.log,
	})
	a.blobs = blobs
	a.cleanup = func() { _ = boltStore.Close() }
	return nil
}

func encryptionFromConfig(enabled bool, hexKey string) (blob.EncryptionOptions, error) {
	if !enabled {
		return blob.EncryptionOptions{}, nil
	}
	if hexKey == "" {
		return blob.EncryptionOptions{}, errors.New("encryption enabled but key missing")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return blob.EncryptionOptions{}, errors.New("encryption key must be 32 bytes of hex")
	}
	return blob.EncryptionOptions{Method: blob.EncryptionAES256CTR, Key: key}, nil
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "depot",
		Short:         "deduplicating file store CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureDepot()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("depot")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "depot"))
		}
	}
	viper.SetEnvPrefix("DEPOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("data", ".depot/blobs", "blob storage root")
	rootCmd.PersistentFlags().String("meta", "", "path to the metadata database (default <data>/depot.db)")
	rootCmd.PersistentFlags().Int64("max-payload", depot.DefaultMaxPayload, "largest accepted payload in bytes")
	rootCmd.PersistentFlags().Bool("encrypt", false, "enable blob encryption at rest")
	rootCmd.PersistentFlags().String("key", "", "hex-encoded 32-byte key when encryption enabled")
	rootCmd.PersistentFlags().Int("cache-entries", 2048, "metadata cache entries (0 disables)")
	rootCmd.PersistentFlags().Duration("cache-ttl", time.Minute, "metadata cache entry lifetime")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")

	bindConfig("data", rootCmd.PersistentFlags().Lookup("data"))
	bindConfig("meta", rootCmd.PersistentFlags().Lookup("meta"))
	bindConfig("max_payload", rootCmd.PersistentFlags().Lookup("max-payload"))
	bindConfig("encrypt", rootCmd.PersistentFlags().Lookup("encrypt"))
	bindConfig("key", rootCmd.PersistentFlags().Lookup("key"))
	bindConfig("cache_entries", rootCmd.PersistentFlags().Lookup("cache-entries"))
	bindConfig("cache_ttl", rootCmd.PersistentFlags().Lookup("cache-ttl"))
	bindConfig("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initCommands() {
	rootCmd.AddCommand(
		newLsCmd(),
		newPutCmd(),
		newCatCmd(),
		newInfoCmd(),
		newRmCmd(),
		newStatCmd(),
		newGCCmd(),
		newServeHTTPCmd(),
		newServeS3Cmd(),
	)
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List stored files, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := application.depot.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, record := range records {
				fmt.Printf("%s\t%d\t%s\t%s\n",
					record.ID, record.Size,
					record.UploadedAt.Format(time.RFC3339),
					record.DisplayName)
			}
			return nil
		},
	}
}

func newPutCmd() *cobra.Command {
	var (
		name        string
		description string
		contentType string
		onConflict  string
	)
	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a file (use - to read stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body io.Reader
			filename := name
			if args[0] == "-" {
				body = os.Stdin
				if filename == "" {
					return errors.New("--name is required when reading stdin")
				}
			} else {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				body = f
				if filename == "" {
					filename = filepath.Base(args[0])
				}
			}
			result, err := application.depot.Upload(cmd.Context(), depot.UploadRequest{
				Body:        body,
				Filename:    filename,
				Description: description,
				ContentType: contentType,
				OnConflict:  depot.Policy(onConflict),
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", result.Outcome, result.Record.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the file's base name)")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME type (sniffed from the name when empty)")
	cmd.Flags().StringVar(&onConflict, "on-conflict", "reject", "duplicate handling: reject|replace")
	return cmd
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <id>",
		Short: "Print the file contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, rc, err := application.depot.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(os.Stdout, rc)
			return err
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Print the file record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := application.depot.Stat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(record)
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.depot.Delete(cmd.Context(), args[0])
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Show store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := application.depot.Count(cmd.Context())
			if err != nil {
				return err
			}
			refs, err := application.blobs.Refs(cmd.Context())
			if err != nil {
				return err
			}
			var bytes int64
			for _, info := range refs {
				bytes += info.Size
			}
			fmt.Printf("files:\t%d\nblobs:\t%d\nbytes:\t%d\n", n, len(refs), bytes)
			return nil
		},
	}
}

func newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reconcile blobs against the metadata index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper := gc.NewSweeper(gc.Options{
				Store:  application.depot.Records(),
				Blobs:  application.blobs,
				Lister: application.blobs,
				MinAge: viper.GetDuration("gc.min_age"),
				Log:    application.log,
			})
			stats, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("orphan blobs removed:\t%d\ndangling records pruned:\t%d\n",
				stats.OrphanBlobs, stats.DanglingRecords)
			return nil
		},
	}
	cmd.Flags().Duration("min-age", time.Hour, "only touch blobs and records older than this")
	bindConfig("gc.min_age", cmd.Flags().Lookup("min-age"))
	return cmd
}

func newServeHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Expose the store over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := httpapi.Options{
				APIKey:         viper.GetString("serve_http.api_key"),
				MaxRequestBody: viper.GetInt64("serve_http.max_request_body"),
			}
			if n := viper.GetInt("serve_http.rate_limit"); n > 0 {
				opts.RateLimit = middleware.RateLimitOptions{
					Requests: n,
					Window:   viper.GetDuration("serve_http.rate_window"),
				}
			}
			server := &httpapi.Server{Depot: application.depot, Log: application.log, Opts: opts}
			addr := viper.GetString("serve_http.addr")

			ctx := cmd.Context()
			if interval := viper.GetDuration("serve_http.gc_interval"); interval > 0 {
				sweeper := gc.NewSweeper(gc.Options{
					Store:  application.depot.Records(),
					Blobs:  application.blobs,
					Lister: application.blobs,
					Log:    application.log,
				})
				stop := sweeper.Start(ctx, interval)
				defer stop()
			}

			fmt.Fprintf(os.Stderr, "Serving HTTP API on %s\n", addr)
			if err := server.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Int64("max-request-body", 0, "cap on the whole request body (0 disables)")
	cmd.Flags().Duration("gc-interval", 0, "run a background gc sweep at this interval (0 disables)")
	bindConfig("serve_http.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_http.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_http.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_http.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve_http.max_request_body", cmd.Flags().Lookup("max-request-body"))
	bindConfig("serve_http.gc_interval", cmd.Flags().Lookup("gc-interval"))
	return cmd
}

func newServeS3Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-s3",
		Short: "Expose an S3-compatible gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := s3gw.Options{
				Bucket: viper.GetString("serve_s3.bucket"),
				APIKey: viper.GetString("serve_s3.api_key"),
			}
			if n := viper.GetInt("serve_s3.rate_limit"); n > 0 {
				opts.RateLimit = middleware.RateLimitOptions{
					Requests: n,
					Window:   viper.GetDuration("serve_s3.rate_window"),
				}
			}
			server := &s3gw.Server{Depot: application.depot, Opt: opts}
			addr := viper.GetString("serve_s3.addr")
			fmt.Fprintf(os.Stderr, "Serving S3 gateway on %s (bucket %s)\n", addr, opts.Bucket)
			if err := server.Start(cmd.Context(), addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", ":9000", "listen address")
	cmd.Flags().String("bucket", s3gw.DefaultBucket, "bucket name exposed via gateway")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key header)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	bindConfig("serve_s3.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_s3.bucket", cmd.Flags().Lookup("bucket"))
	bindConfig("serve_s3.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_s3.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_s3.rate_window", cmd.Flags().Lookup("rate-window"))
	return cmd
}
