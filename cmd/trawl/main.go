package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ehrlich-b/trawl/internal/cli"
	"github.com/ehrlich-b/trawl/internal/config"
	"github.com/ehrlich-b/trawl/internal/server"
	"github.com/ehrlich-b/trawl/internal/storage"
	"github.com/ehrlich-b/trawl/internal/version"
	"github.com/ehrlich-b/trawl/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "trawl",
		Short:   "GitLab crawl pipeline: control plane and worker",
		Version: version.Version,
	}

	rootCmd.PersistentFlags().String("config", ".", "Directory to search for a trawl config file")

	rootCmd.AddCommand(
		serverCmd(),
		workerCmd(),
		loginCmd(),
		statusCmd(),
		jobsCmd(),
		accountsCmd(),
		areasCmd(),
		connectionsCmd(),
		tokenCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file from the --config directory, falling
// back to built-in defaults when none exists.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir, _ := cmd.Flags().GetString("config")
	cfg, file, err := config.Load(dir)
	if err != nil {
		if errors.Is(err, config.ErrNoConfig) {
			return config.Default(), nil
		}
		return nil, err
	}
	slog.Debug("loaded config", "file", file)
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// --- Server ---

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the control plane",
		RunE:  runServer,
	}
	cmd.Flags().String("socket", "", "Worker socket (path, unix:// path, or tcp://host:port)")
	cmd.Flags().String("admin-addr", "", "Admin HTTP listen address")
	cmd.Flags().String("db", "", "SQLite file path or postgres:// DSN")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sc := cfg.Server

	// Flags and env vars override the file.
	if v, _ := cmd.Flags().GetString("socket"); v != "" {
		sc.SocketPath = v
	}
	if v, _ := cmd.Flags().GetString("admin-addr"); v != "" {
		sc.AdminAddr = v
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		sc.DB = v
	}
	if v := os.Getenv("TRAWL_SOCKET"); v != "" {
		sc.SocketPath = v
	}
	if v := os.Getenv("TRAWL_DB"); v != "" {
		sc.DB = v
	}
	if v := os.Getenv("TRAWL_ENCRYPTION_SECRET"); v != "" {
		sc.EncryptionSecret = v
	}

	log := newLogger(sc.LogLevel)

	log.Info("opening storage", "db", sc.DB)
	store, err := storage.New(sc.DB, sc.EncryptionSecret)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	srv := server.NewServer(sc, store, log)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start control plane: %w", err)
	}
	defer srv.Stop()

	auth := server.NewAdminAuth(store, sc, log)
	api := server.NewAPIHandler(store, srv.Pool(), srv.Bridge(), auth, log)

	mux := http.NewServeMux()
	mux.Handle("/api/", noCache(api))

	httpSrv := &http.Server{
		Addr:    sc.AdminAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		log.Info("admin api listening", "addr", sc.AdminAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("admin api error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down")
		if err := httpSrv.Shutdown(context.Background()); err != nil {
			log.Warn("admin api shutdown error", "error", err)
		}
	}

	return nil
}

// noCache wraps a handler with no-store cache headers.
func noCache(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		h.ServeHTTP(w, r)
	})
}

// --- Worker ---

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a crawler worker",
		RunE:  runWorker,
	}
	cmd.Flags().String("socket", "", "Control plane socket to connect to")
	cmd.Flags().String("data-dir", "", "Directory for fetched entities")
	cmd.Flags().Int("concurrency", 0, "Max concurrent jobs")
	return cmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	wc := cfg.Worker

	if v, _ := cmd.Flags().GetString("socket"); v != "" {
		wc.SocketPath = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		wc.DataDir = v
	}
	if v, _ := cmd.Flags().GetInt("concurrency"); v > 0 {
		wc.MaxConcurrentJobs = v
	}
	if v := os.Getenv("TRAWL_SOCKET"); v != "" {
		wc.SocketPath = v
	}
	if v := os.Getenv("TRAWL_ANONYMIZATION_SECRET"); v != "" {
		wc.AnonymizationSecret = v
	}

	log := newLogger(wc.LogLevel)

	w, err := worker.New(wc, log)
	if err != nil {
		return fmt.Errorf("assemble worker: %w", err)
	}

	log.Info("starting worker", "socket", wc.SocketPath, "concurrency", wc.MaxConcurrentJobs)
	w.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("shutting down worker")
	w.Stop()

	return nil
}

// --- Admin client commands ---

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("server", "http://127.0.0.1:8487", "Admin API base URL")
	cmd.PersistentFlags().String("token", "", "Admin token (or TRAWL_ADMIN_TOKEN)")
}

// adminClient resolves the server URL and credentials: flag, env, then
// the saved credentials file.
func adminClient(cmd *cobra.Command) (*cli.Client, error) {
	serverURL, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("TRAWL_ADMIN_TOKEN")
	}
	if token == "" {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return nil, err
		}
		if entry := cfg.Entry(serverURL); entry != nil {
			if entry.Session != "" {
				token = entry.Session
			} else {
				token = entry.Token
			}
		}
	}
	if token == "" {
		return nil, fmt.Errorf("no admin token: pass --token, set TRAWL_ADMIN_TOKEN, or run 'trawl login'")
	}
	return cli.NewClient(serverURL, token), nil
}

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the admin API and save a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL, _ := cmd.Flags().GetString("server")

			fmt.Fprintf(os.Stderr, "Admin token for %s: ", serverURL)
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			token := strings.TrimSpace(string(raw))
			if token == "" {
				return fmt.Errorf("empty token")
			}

			client := cli.NewClient(serverURL, "")
			session, subject, err := client.Login(token)
			if err != nil {
				return err
			}

			cfg, err := cli.LoadConfig()
			if err != nil {
				return err
			}
			cfg.SetEntry(serverURL, cli.ServerEntry{
				URL:     serverURL,
				Session: session,
				Subject: subject,
			})
			if err := cli.SaveConfig(cfg); err != nil {
				return err
			}

			fmt.Printf("Logged in as %s\n", subject)
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show control plane status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			st, err := client.Status()
			if err != nil {
				return err
			}
			fmt.Printf("version:     %s\n", st.Version)
			fmt.Printf("uptime:      %s\n", st.Uptime)
			fmt.Printf("connections: %d (rejected: %d)\n", st.Connections, st.Rejected)
			fmt.Println("jobs:")
			for _, status := range []string{"queued", "running", "paused", "waiting_credential_renewal", "finished", "failed"} {
				fmt.Printf("  %-28s %d\n", status, st.Jobs[status])
			}
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and enqueue jobs",
	}
	addClientFlags(cmd)

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			command, _ := cmd.Flags().GetString("command")
			limit, _ := cmd.Flags().GetInt("limit")
			jobs, err := client.ListJobs(cli.JobFilter{Status: status, Command: command, Limit: limit})
			if err != nil {
				return err
			}
			for _, j := range jobs {
				target := j.FullPath
				if target == "" {
					target = "-"
				}
				fmt.Printf("%s %-36s %-28s %-12s %s\n",
					cli.StatusSymbol(j.Status), j.ID, j.Command, j.Status, target)
			}
			return nil
		},
	}
	list.Flags().String("status", "", "Filter by status")
	list.Flags().String("command", "", "Filter by command")
	list.Flags().Int("limit", 50, "Max jobs to list")

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			j, err := client.GetJob(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id:        %s\n", j.ID)
			fmt.Printf("command:   %s\n", j.Command)
			fmt.Printf("status:    %s\n", j.Status)
			fmt.Printf("account:   %s\n", j.AccountID)
			if j.FullPath != "" {
				fmt.Printf("path:      %s\n", j.FullPath)
			}
			if j.AssignedTo != "" {
				fmt.Printf("worker:    %s\n", j.AssignedTo)
			}
			if j.SpawnedFrom != "" {
				fmt.Printf("spawned:   %s\n", j.SpawnedFrom)
			}
			fmt.Printf("created:   %s\n", cli.RelativeTime(j.CreatedAt))
			if j.StartedAt != nil {
				fmt.Printf("started:   %s\n", cli.RelativeTime(*j.StartedAt))
			}
			if j.FinishedAt != nil {
				fmt.Printf("finished:  %s\n", cli.RelativeTime(*j.FinishedAt))
			}
			if len(j.Progress) > 0 {
				fmt.Printf("progress:  %s\n", string(j.Progress))
			}
			return nil
		},
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Enqueue a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			command, _ := cmd.Flags().GetString("command")
			account, _ := cmd.Flags().GetString("account")
			fullPath, _ := cmd.Flags().GetString("path")
			entityID, _ := cmd.Flags().GetString("entity-id")
			entityType, _ := cmd.Flags().GetString("entity-type")
			j, err := client.CreateJob(cli.CreateJobRequest{
				Command:    command,
				AccountID:  account,
				FullPath:   fullPath,
				EntityID:   entityID,
				EntityType: entityType,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s)\n", j.ID, j.Command)
			return nil
		},
	}
	create.Flags().String("command", "GROUP_PROJECT_DISCOVERY", "Job command")
	create.Flags().String("account", "", "Account ID the job runs as")
	create.Flags().String("path", "", "Target area path")
	create.Flags().String("entity-id", "", "Target entity ID")
	create.Flags().String("entity-type", "", "Target entity type (group or project)")
	create.MarkFlagRequired("account")

	errs := &cobra.Command{
		Use:   "errors <job-id>",
		Short: "List a job's recorded failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			entries, err := client.ListJobErrors(args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				kind := e.ErrorType
				if kind == "" {
					kind = "error"
				}
				fmt.Printf("%-20s recoverable=%-5v %s  %s\n",
					kind, e.Recoverable, cli.RelativeTime(e.CreatedAt), e.Error)
			}
			return nil
		},
	}

	cmd.AddCommand(list, get, create, errs)
	return cmd
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage GitLab accounts",
	}
	addClientFlags(cmd)

	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			accounts, err := client.ListAccounts()
			if err != nil {
				return err
			}
			for _, a := range accounts {
				token := "no token"
				if a.HasToken {
					token = "token set"
				}
				fmt.Printf("%-36s %-16s %-10s %s\n", a.ID, a.Provider, token, a.APIBaseURL)
			}
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Register a GitLab account",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			provider, _ := cmd.Flags().GetString("provider")
			baseURL, _ := cmd.Flags().GetString("api-base-url")
			id, _ := cmd.Flags().GetString("id")
			refresh, _ := cmd.Flags().GetString("refresh-token")

			fmt.Fprint(os.Stderr, "Access token: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}

			a, err := client.CreateAccount(cli.CreateAccountRequest{
				ID:           id,
				Provider:     provider,
				APIBaseURL:   baseURL,
				AccessToken:  strings.TrimSpace(string(raw)),
				RefreshToken: refresh,
			})
			if err != nil {
				return err
			}
			fmt.Printf("account %s (%s) registered\n", a.ID, a.Provider)
			return nil
		},
	}
	add.Flags().String("id", "", "Account ID (generated when empty)")
	add.Flags().String("provider", "gitlab-cloud", "gitlab-cloud or gitlab-onprem")
	add.Flags().String("api-base-url", "https://gitlab.com", "GitLab API base URL")
	add.Flags().String("refresh-token", "", "OAuth refresh token")

	areas := &cobra.Command{
		Use:   "areas <account-id>",
		Short: "List areas granted to an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			paths, err := client.ListAccountAreas(args[0])
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		},
	}

	cmd.AddCommand(list, add, areas)
	return cmd
}

func areasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "areas",
		Short: "List discovered areas",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			areas, err := client.ListAreas()
			if err != nil {
				return err
			}
			for _, a := range areas {
				fmt.Printf("%-8s %-12s %s\n", a.Type, a.GitlabID, a.FullPath)
			}
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func connectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List live worker connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			conns, err := client.ListConnections()
			if err != nil {
				return err
			}
			for _, c := range conns {
				fmt.Printf("%-36s %-13s jobs=%-3d processed=%-5d %-12s heartbeat %s\n",
					c.ID, c.State, c.ActiveJobs, c.TotalProcessed, c.SystemStatus,
					cli.RelativeTime(c.LastHeartbeat))
			}
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage admin tokens",
	}
	addClientFlags(cmd)

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new admin token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			t, err := client.CreateToken(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("token %s created\n", t.ID)
			fmt.Printf("secret (shown once): %s\n", t.Token)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List admin tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			tokens, err := client.ListTokens()
			if err != nil {
				return err
			}
			for _, t := range tokens {
				state := "active"
				if t.RevokedAt != nil {
					state = "revoked"
				}
				fmt.Printf("%-24s %-20s %-8s created %s\n", t.ID, t.Name, state, cli.RelativeTime(t.CreatedAt))
			}
			return nil
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke an admin token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			if err := client.RevokeToken(args[0]); err != nil {
				return err
			}
			fmt.Printf("token %s revoked\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			cfg, file, err := config.Load(dir)
			if err != nil {
				return err
			}
			fmt.Printf("Valid: %s\n", file)
			fmt.Printf("  server.socket_path: %s\n", cfg.Server.SocketPath)
			fmt.Printf("  server.admin_addr:  %s\n", cfg.Server.AdminAddr)
			fmt.Printf("  server.db:          %s\n", cfg.Server.DB)
			fmt.Printf("  worker.socket_path: %s\n", cfg.Worker.SocketPath)
			fmt.Printf("  worker.data_dir:    %s\n", cfg.Worker.DataDir)
			fmt.Printf("  worker.backend:     %s\n", cfg.Worker.ArtifactBackend)
			return nil
		},
	})
	return cmd
}
