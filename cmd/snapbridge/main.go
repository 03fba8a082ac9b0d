package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"snapbridge/internal/app"
	"snapbridge/internal/bridge"
	"snapbridge/internal/config"
	"snapbridge/internal/credentials"
	"snapbridge/internal/database"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults, applying any
// environment overrides.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.Load(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "CreateSnapshot").
func newApp(ctx context.Context, operation string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, operation, app.Options{Passphrase: readPassphrase})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase prompts on the terminal without echoing.
func readPassphrase() (string, error) {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatEndpoint(e bridge.Endpoint) string {
	s := e.Host
	if e.Port != 0 {
		s = fmt.Sprintf("%s:%d", e.Host, e.Port)
	}
	if e.StoreID != "" {
		s += "/" + e.StoreID
	}
	return s + "/" + e.SpaceID
}

// endpointFlags registers the flags that describe a storage space.
func endpointFlags(cmd *cobra.Command, prefix string) {
	cmd.Flags().String(prefix+"host", "", "Storage host")
	cmd.Flags().Int(prefix+"port", 443, "Storage port")
	cmd.Flags().String(prefix+"store", "", "Storage provider ID")
	cmd.Flags().String(prefix+"space", "", "Space ID")
}

func readEndpoint(cmd *cobra.Command, prefix string) bridge.Endpoint {
	host, _ := cmd.Flags().GetString(prefix + "host")
	port, _ := cmd.Flags().GetInt(prefix + "port")
	store, _ := cmd.Flags().GetString(prefix + "store")
	space, _ := cmd.Flags().GetString(prefix + "space")
	return bridge.Endpoint{Host: host, Port: port, StoreID: store, SpaceID: space}
}

var rootCmd = &cobra.Command{
	Use:          "snapbridge",
	Short:        "Snapshot and restoration bridge",
	Version:      app.Version,
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		instanceID := uuid.New().String()
		cfg := config.NewConfig(instanceID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Instance ID: %s\n", instanceID)
		fmt.Printf("Base Dir:    %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Instance ID:  %s\n", cfg.InstanceID)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Database:     %s\n", cfg.Database.Type)
		fmt.Printf("Staging:      %s (%s, %s)\n", cfg.Staging.Type, cfg.Staging.ContentRootDir, cfg.Staging.RestorationRootDir)
		fmt.Printf("Manifests:    %s\n", cfg.Manifest.Dir)
		fmt.Printf("Jobs:         %s\n", cfg.Jobs.Type)
		fmt.Printf("Notify:       %s\n", cfg.Notify.Type)
		fmt.Printf("Operators:    %s\n", strings.Join(cfg.Notify.OperatorEmails, ", "))
		fmt.Printf("Nodes:        %s\n", strings.Join(cfg.Notify.NodeEmails, ", "))
		fmt.Printf("Tasks:        %s\n", cfg.Tasks.Type)
		fmt.Printf("Credentials:  %s\n", cfg.Credentials.Type)
		fmt.Printf("Expire after: %d days\n", cfg.Restore.DaysToExpire)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the bridge database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the database schema up to date",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dbCfg := cfg.Database
		dbCfg.AutoMigrate = true

		repo, err := database.NewRepositoryFromConfig(cmd.Context(), dbCfg)
		if err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		if err := repo.Close(); err != nil {
			return err
		}
		fmt.Println("Database schema is up to date.")
		return nil
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup <dest>",
	Short: "Copy the database to dest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "BackupDatabase")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BackupDatabase(args[0]); err != nil {
			return err
		}
		fmt.Printf("Database backed up to %s\n", args[0])
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the periodic sweeps and the job listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Serve")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(cmd.Context())
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "GetHistory")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-20s  %s  %-8s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

// credentials command
var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage storage credentials",
}

var credentialsEncryptCmd = &cobra.Command{
	Use:   "encrypt <plain.toml> <out.age>",
	Short: "Encrypt a credentials file",
	Long: "Encrypt a credentials file for an age recipient, or with a passphrase " +
		"when no recipient is given.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipientKey, _ := cmd.Flags().GetString("recipient")

		in, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening credentials: %w", err)
		}
		defer in.Close()

		if _, err := credentials.ParseFile(in); err != nil {
			return err
		}
		if _, err := in.Seek(0, 0); err != nil {
			return err
		}

		var recipient age.Recipient
		if recipientKey != "" {
			recipient, err = credentials.ParseRecipient(recipientKey)
		} else {
			var passphrase string
			passphrase, err = readPassphrase()
			if err == nil {
				recipient, err = credentials.PassphraseRecipient(passphrase)
			}
		}
		if err != nil {
			return err
		}

		out, err := os.OpenFile(args[1], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("creating %s: %w", args[1], err)
		}
		if err := credentials.Encrypt(out, in, recipient); err != nil {
			out.Close()
			os.Remove(args[1])
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		fmt.Printf("Encrypted credentials written to %s\n", args[1])
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbBackupCmd)

	credentialsCmd.AddCommand(credentialsEncryptCmd)
	credentialsEncryptCmd.Flags().StringP("recipient", "r", "", "age public key to encrypt to")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
