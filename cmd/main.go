package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/wesm/threadsync/config"
	"github.com/wesm/threadsync/internal/api"
	"github.com/wesm/threadsync/internal/cache"
	"github.com/wesm/threadsync/internal/chat"
	"github.com/wesm/threadsync/internal/clock"
	"github.com/wesm/threadsync/internal/db"
	"github.com/wesm/threadsync/internal/locator"
	"github.com/wesm/threadsync/internal/models"
	"github.com/wesm/threadsync/internal/sync"
	"github.com/wesm/threadsync/internal/webhook"
)

func main() {
	// Define command-line flags
	configPath := pflag.String("config", "config.json", "Path to configuration file (.json, .yaml or .yml)")
	createConfig := pflag.Bool("init", false, "Create a default configuration file if it doesn't exist")
	addRepo := pflag.String("add-repo", "", "Add a repository to the configuration (format: owner/name)")
	serve := pflag.Bool("serve", false, "Run the bridge: webhook receiver and Discord gateway")
	listRepos := pflag.Bool("list-repos", false, "List the repositories the GitHub installation can access")
	find := pflag.String("find", "", "Print the Discord threads synced with an issue (format: owner/name#number)")
	flushCache := pflag.Bool("flush-cache", false, "Load the thread cache and write it back to its store")
	pflag.Parse()

	// Create default configuration if requested
	if *createConfig {
		if err := config.CreateDefaultConfig(*configPath); err != nil {
			fatal("failed to create default configuration", err)
		}
		fmt.Printf("Created default configuration at %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fatal("failed to load configuration", err)
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if *addRepo != "" {
		if err := addRepository(cfg, *configPath, *addRepo, logger); err != nil {
			fatal("failed to add repository", err)
		}
		if !*serve {
			return
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *serve:
		err = runServe(ctx, cfg, logger)
	case *listRepos:
		err = runListRepos(ctx, cfg)
	case *find != "":
		err = runFind(ctx, cfg, *find, logger)
	case *flushCache:
		err = runFlushCache(ctx, cfg, logger)
	default:
		printUsage()
		return
	}
	if err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("threadsync - GitHub issues <-> Discord forum threads")
	fmt.Println("----------------------------------------------------")
	fmt.Println("Use --serve to run the bridge")
	fmt.Println("Use --find owner/name#N to print the threads synced with an issue")
	fmt.Println("Use --list-repos to list repositories visible to the GitHub installation")
	fmt.Println("Use --flush-cache to rewrite the thread cache")
	fmt.Println("Use --add-repo owner/name to add a repository to the configuration")
	fmt.Println("Use --init to create a default configuration file")
	fmt.Println("Use --config path/to/config.json to specify a custom configuration file")
	fmt.Println()
	fmt.Printf("Tokens can be provided via %s, %s and %s, or a .env file next to the configuration\n",
		config.EnvGithubToken, config.EnvDiscordToken, config.EnvWebhookSecret)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func addRepository(cfg *config.Config, path, repoStr string, logger *slog.Logger) error {
	repo, err := models.ParseRepoRef(repoStr)
	if err != nil {
		return err
	}
	for _, existing := range cfg.Repositories {
		if strings.EqualFold(existing, repo.String()) {
			logger.Info("repository already configured", "repo", repo.String())
			return nil
		}
	}
	cfg.Repositories = append(cfg.Repositories, repo.String())
	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}
	logger.Info("added repository to configuration", "repo", repo.String())
	return nil
}

// openCache builds the thread cache over the configured store. The
// returned function closes the cache and its store.
func openCache(cfg *config.Config, logger *slog.Logger) (*cache.Cache, func(context.Context) error, error) {
	var store cache.Store
	closeStore := func() error { return nil }

	switch cfg.CacheBackend {
	case config.CacheSQLite:
		database, err := db.New(cfg.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Initialize(); err != nil {
			database.Close()
			return nil, nil, err
		}
		store, closeStore = database, database.Close
	case config.CacheRedis:
		redisStore, err := cache.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		store, closeStore = redisStore, redisStore.Close
	default:
		store = cache.NewFileStore(cfg.CachePath)
	}

	threadCache := cache.New(store, clock.Real(), cfg.CacheFlushDelayOrDefault(), logger)
	closer := func(ctx context.Context) error {
		return errors.Join(threadCache.Close(ctx), closeStore())
	}
	return threadCache, closer, nil
}

// syncedRepos returns the configured repositories, or the installation's
// repositories when none are configured.
func syncedRepos(ctx context.Context, cfg *config.Config, client *api.GitHubClient, logger *slog.Logger) ([]models.RepoRef, error) {
	repos, err := cfg.Repos()
	if err != nil || len(repos) > 0 {
		return repos, err
	}

	repos, err = client.ListInstallationRepos(ctx)
	if err != nil {
		logger.Warn("failed to list installation repositories", "error", err)
		return nil, nil
	}
	logger.Info("using installation repositories", "count", len(repos))
	return repos, nil
}

type loginResolver interface {
	AuthenticatedLogin(ctx context.Context) (string, error)
}

// resolveBotLogin returns the login the bridge's own GitHub writes carry.
// The token's user wins over bot_login; installation tokens cannot name
// one and fall back to it.
func resolveBotLogin(ctx context.Context, configured string, users loginResolver, logger *slog.Logger) string {
	login, err := users.AuthenticatedLogin(ctx)
	if err != nil || login == "" {
		if configured == "" {
			logger.Warn("cannot determine the bridge's GitHub login, its own state changes will be echoed", "error", err)
		}
		return configured
	}
	if configured != "" && !strings.EqualFold(configured, login) {
		logger.Warn("bot_login does not match the GitHub token's user, using the token's user",
			"bot_login", configured, "token_login", login)
	}
	return login
}

func settingsFor(cfg *config.Config, repos []models.RepoRef, botLogin string) sync.Settings {
	return sync.Settings{
		ForumID:           cfg.ForumChannelID,
		DefaultRepo:       cfg.DefaultRepo(),
		BotLogin:          botLogin,
		Policy:            cfg.Policy(repos),
		ThreadSettleDelay: cfg.ThreadSettleDelayOrDefault(sync.DefaultThreadSettleDelay),
		ThreadCreateDelay: cfg.ThreadCreateDelayOrDefault(sync.DefaultThreadCreateDelay),
		PinFetchTimeout:   cfg.PinFetchTimeoutOrDefault(locator.DefaultPinTimeout),
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("webhook_secret is empty, deliveries will not be verified")
	}

	threadCache, closeCache, err := openCache(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open thread cache: %w", err)
	}

	client := api.NewGitHubClient(cfg.GitHubToken)
	repos, err := syncedRepos(ctx, cfg, client, logger)
	if err != nil {
		return err
	}

	botLogin := resolveBotLogin(ctx, cfg.BotLogin, client, logger)

	dispatcher := sync.NewDispatcher(settingsFor(cfg, repos, botLogin), sync.StaticTrackers{Client: client},
		chat.DiscordDialer{Token: cfg.DiscordToken}, threadCache, clock.Real(), logger)
	dispatcher.Start(ctx, cfg.Workers)

	mux := http.NewServeMux()
	mux.Handle(cfg.WebhookPath, webhook.NewHandler([]byte(cfg.WebhookSecret), dispatcher, clock.Real(), logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		logger.Info("webhook server listening", "address", cfg.ListenAddress, "path", cfg.WebhookPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("webhook server: %w", err)
		}
	}()
	go func() {
		gateway := chat.NewGateway(cfg.DiscordToken, cfg.ForumChannelID, dispatcher, logger)
		if err := gateway.Run(ctx); err != nil {
			errs <- fmt.Errorf("discord gateway: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to stop webhook server", "error", err)
	}
	dispatcher.Stop()
	if err := closeCache(shutdownCtx); err != nil {
		logger.Error("failed to close thread cache", "error", err)
	}
	return runErr
}

func runListRepos(ctx context.Context, cfg *config.Config) error {
	client := api.NewGitHubClient(cfg.GitHubToken)
	repos, err := client.ListInstallationRepos(ctx)
	if err != nil {
		return err
	}
	for _, repo := range repos {
		fmt.Println(repo.String())
	}
	return nil
}

// parseIssueRef parses owner/name#number.
func parseIssueRef(s string) (models.RepoRef, int, error) {
	repoStr, numberStr, ok := strings.Cut(s, "#")
	if !ok {
		return models.RepoRef{}, 0, fmt.Errorf("invalid issue reference %q, expected owner/name#number", s)
	}
	repo, err := models.ParseRepoRef(repoStr)
	if err != nil {
		return models.RepoRef{}, 0, err
	}
	number, err := strconv.Atoi(numberStr)
	if err != nil || number <= 0 {
		return models.RepoRef{}, 0, fmt.Errorf("invalid issue number %q", numberStr)
	}
	return repo, number, nil
}

func runFind(ctx context.Context, cfg *config.Config, ref string, logger *slog.Logger) error {
	repo, number, err := parseIssueRef(ref)
	if err != nil {
		return err
	}

	threadCache, closeCache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache(context.Background())

	session, err := chat.DiscordDialer{Token: cfg.DiscordToken}.Dial(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	client := api.NewGitHubClient(cfg.GitHubToken)
	title, err := client.IssueTitle(ctx, repo, number)
	if err != nil {
		logger.Debug("failed to look up issue title", "error", err)
	}

	repos, err := cfg.Repos()
	if err != nil {
		return err
	}
	settings := settingsFor(cfg, repos, cfg.BotLogin)
	finder := locator.New(session, threadCache, settings.Policy, logger, settings.PinFetchTimeout)
	threads, err := finder.Find(ctx, cfg.ForumChannelID, number, repo, title)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		fmt.Printf("No thread found for %s#%d\n", repo, number)
		return nil
	}
	for _, thread := range threads {
		fmt.Printf("%s\t%s\n", thread.ID, thread.Name)
	}
	return nil
}

func runFlushCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	threadCache, closeCache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache(ctx)

	entries := threadCache.Len(ctx)
	if err := threadCache.Flush(ctx); err != nil {
		return err
	}
	logger.Info("thread cache flushed", "entries", entries)
	return nil
}
