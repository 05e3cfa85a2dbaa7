// bridge-cli is an operator tool for working with the bridge offline: it
// inspects service catalogs, classifies statements against a catalog's
// permissions, and runs ad hoc statements through the same gate the server
// uses.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/borealdata/icebridge/internal/aisvc"
	"github.com/borealdata/icebridge/internal/bridge"
	"github.com/borealdata/icebridge/internal/catalog"
	"github.com/borealdata/icebridge/internal/sqlstmt"
	"github.com/borealdata/icebridge/internal/warehouse"
)

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := &cobra.Command{
		Use:   "bridge-cli",
		Short: "Operator CLI for the Icebridge warehouse bridge.",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")

	var configFile string
	rootCmd.PersistentFlags().StringVarP(&configFile, "service-config-file", "c", "", "path to the service catalog YAML file")

	rootCmd.AddCommand(
		newCatalogCmd(),
		newClassifyCmd(),
		newQueryCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Validate a service catalog and print its contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := cmd.Root().PersistentFlags().GetString("service-config-file")
			if err != nil {
				return fmt.Errorf("failed to get service-config-file flag: %w", err)
			}
			if configFile == "" {
				return fmt.Errorf("a service catalog file is required (-c)")
			}

			cat, err := catalog.Load(configFile)
			if err != nil {
				return err
			}

			fmt.Println("Catalog:", configFile)
			fmt.Println("Query manager:", cat.QueryManagerEnabled())
			fmt.Println("Object manager:", cat.ObjectManagerEnabled())
			fmt.Println("Semantic manager:", cat.SemanticManagerEnabled())
			fmt.Println("Permissions:", cat.Policy().String())

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
			table.SetAutoFormatHeaders(false)
			table.SetBorder(true)
			table.SetRowLine(true)
			table.SetHeader([]string{"Service", "Kind", "Target", "Description"})

			for _, svc := range cat.SearchServices() {
				table.Append([]string{
					svc.ServiceName,
					"search",
					fmt.Sprintf("%s.%s (limit %d)", svc.Database, svc.Schema, svc.Limit),
					svc.Description,
				})
			}
			for _, svc := range cat.AnalystServices() {
				table.Append([]string{
					svc.ServiceName,
					"analyst",
					svc.SemanticModel,
					svc.Description,
				})
			}
			table.Render()
			return nil
		},
	}
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <statement>...",
		Short: "Classify SQL statements and check them against a catalog's permissions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := cmd.Root().PersistentFlags().GetString("service-config-file")
			if err != nil {
				return fmt.Errorf("failed to get service-config-file flag: %w", err)
			}

			var cat *catalog.Catalog
			if configFile != "" {
				cat, err = catalog.Load(configFile)
				if err != nil {
					return err
				}
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
			table.SetAutoFormatHeaders(false)
			table.SetBorder(true)
			table.SetHeader([]string{"Statement", "Kind", "Permitted"})

			for _, stmt := range args {
				kind := sqlstmt.Classify(stmt)
				permitted := "n/a"
				if cat != nil {
					permitted = strconv.FormatBool(cat.Policy().Allows(kind))
				}
				table.Append([]string{stmt, string(kind), permitted})
			}
			table.Render()
			return nil
		},
	}
}

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <statement>",
		Short: "Run one statement through the bridge's classification and policy gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
			if err != nil {
				return fmt.Errorf("failed to get verbose flag: %w", err)
			}
			configFile, err := cmd.Root().PersistentFlags().GetString("service-config-file")
			if err != nil {
				return fmt.Errorf("failed to get service-config-file flag: %w", err)
			}
			if configFile == "" {
				return fmt.Errorf("a service catalog file is required (-c)")
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return fmt.Errorf("failed to get timeout flag: %w", err)
			}

			log := newLogger(verbose)
			_ = godotenv.Load()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cat, err := catalog.Load(configFile)
			if err != nil {
				return err
			}

			dispatcher, pool, err := newDispatcher(log, cat, timeout)
			if err != nil {
				return err
			}
			defer dispatcher.Close()
			defer pool.Close()

			res := dispatcher.Invoke(ctx, bridge.Request{
				Tool:   bridge.ToolRunQuery,
				SQL:    args[0],
				Params: map[string]any{"limit": limit},
			})
			if res.Error != nil {
				return fmt.Errorf("%s: %s", res.Error.Kind, res.Error.Reason)
			}

			fmt.Println("Statement:", res.Statement)
			printRows(res.Rows)
			return nil
		},
	}

	cmd.Flags().Int("limit", 100, "Row limit appended to SELECT statements without one")
	cmd.Flags().Duration("timeout", 60*time.Second, "Statement execution timeout")

	return cmd
}

// newDispatcher builds a single-session bridge from ICEBRIDGE_* environment
// variables, mirroring the server's configuration surface.
func newDispatcher(log *slog.Logger, cat *catalog.Catalog, timeout time.Duration) (*bridge.Dispatcher, *warehouse.Pool, error) {
	port := 0
	if v := os.Getenv("ICEBRIDGE_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid ICEBRIDGE_PORT %q: %w", v, err)
		}
		port = p
	}

	cfg := warehouse.Config{
		Host:                 os.Getenv("ICEBRIDGE_HOST"),
		Port:                 port,
		Account:              os.Getenv("ICEBRIDGE_ACCOUNT"),
		User:                 os.Getenv("ICEBRIDGE_USER"),
		Password:             os.Getenv("ICEBRIDGE_PASSWORD"),
		PrivateKeyPath:       os.Getenv("ICEBRIDGE_PRIVATE_KEY_FILE"),
		PrivateKeyPassphrase: os.Getenv("ICEBRIDGE_PRIVATE_KEY_PASSPHRASE"),
		Defaults: warehouse.Params{
			Warehouse: os.Getenv("ICEBRIDGE_WAREHOUSE"),
			Database:  os.Getenv("ICEBRIDGE_DATABASE"),
			Schema:    os.Getenv("ICEBRIDGE_SCHEMA"),
			Role:      os.Getenv("ICEBRIDGE_ROLE"),
			QueryTag:  "bridge-cli",
		},
	}
	dialer, err := warehouse.NewDialer(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure warehouse connection: %w", err)
	}
	log.Debug("warehouse endpoint configured", "target", cfg.Redacted())

	pool, err := warehouse.NewPool(warehouse.PoolConfig{
		Logger:      log,
		Dialer:      dialer,
		MaxSessions: 1,
		Defaults:    cfg.Defaults,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session pool: %w", err)
	}

	aiBaseURL := os.Getenv("ICEBRIDGE_AI_BASE_URL")
	if aiBaseURL == "" {
		aiBaseURL = "https://" + cfg.Host
	}
	ai, err := aisvc.New(aisvc.Config{
		Logger:  log,
		BaseURL: aiBaseURL,
		Token:   os.Getenv("ICEBRIDGE_AI_TOKEN"),
	})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to create ai service client: %w", err)
	}

	dispatcher, err := bridge.New(bridge.Config{
		Logger:         log,
		Catalog:        cat,
		Pool:           pool,
		AI:             ai,
		MaxConcurrency: 1,
		QueryTimeout:   timeout,
	})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	return dispatcher, pool, nil
}

func printRows(rows *warehouse.Rows) {
	if rows == nil || rows.Count == 0 {
		fmt.Println("No rows.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(rows.Columns)

	for _, row := range rows.Rows {
		cells := make([]string, 0, len(rows.Columns))
		for _, col := range rows.Columns {
			cells = append(cells, fmt.Sprintf("%v", row[col]))
		}
		table.Append(cells)
	}
	table.Render()
	fmt.Println("Rows:", rows.Count)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
