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
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/repowiki/internal/cancelreg"
	"git.home.luguber.info/inful/repowiki/internal/config"
	"git.home.luguber.info/inful/repowiki/internal/embed"
	"git.home.luguber.info/inful/repowiki/internal/gitrepo"
	"git.home.luguber.info/inful/repowiki/internal/llm"
	_ "git.home.luguber.info/inful/repowiki/internal/llm/offline"
	"git.home.luguber.info/inful/repowiki/internal/logfields"
	"git.home.luguber.info/inful/repowiki/internal/metrics"
	"git.home.luguber.info/inful/repowiki/internal/parser"
	"git.home.luguber.info/inful/repowiki/internal/pipeline"
	"git.home.luguber.info/inful/repowiki/internal/progress"
	"git.home.luguber.info/inful/repowiki/internal/queue"
	"git.home.luguber.info/inful/repowiki/internal/reconcile"
	"git.home.luguber.info/inful/repowiki/internal/redact"
	"git.home.luguber.info/inful/repowiki/internal/retry"
	"git.home.luguber.info/inful/repowiki/internal/service"
	"git.home.luguber.info/inful/repowiki/internal/store"
	"git.home.luguber.info/inful/repowiki/internal/vectorstore"
	"git.home.luguber.info/inful/repowiki/internal/version"
	"git.home.luguber.info/inful/repowiki/internal/wiki"
	"git.home.luguber.info/inful/repowiki/internal/worker"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" help:"Run the worker: consume tasks, execute pipelines, schedule periodic syncs"`

	Worker struct{} `cmd:"" help:"Run a queue consumer only, without the periodic sync scheduler"`

	Submit struct {
		URL    string `arg:"" help:"Repository URL (https or scp-like)"`
		Token  string `help:"Personal access token for private repositories" env:"REPOWIKI_PAT"`
		Branch string `help:"Branch to process instead of the default"`
	} `cmd:"" help:"Submit a repository for processing"`

	Status struct {
		RepoID string `arg:"" help:"Repository id"`
	} `cmd:"" help:"Show a repository's status and active task"`

	List struct{} `cmd:"" help:"List known repositories"`

	Cancel struct {
		TaskID string `arg:"" help:"Task id"`
	} `cmd:"" help:"Cancel a pending or running task"`

	Delete struct {
		RepoID string `arg:"" help:"Repository id"`
	} `cmd:"" help:"Delete a repository and all derived state"`

	Regenerate struct {
		RepoID string   `arg:"" help:"Repository id"`
		Pages  []string `help:"Regenerate only these page ids"`
		Full   bool     `help:"Force a full reprocess instead of wiki-only regeneration"`
	} `cmd:"" help:"Regenerate the wiki for a repository"`

	Reconcile struct {
		Execute bool `help:"Remove the orphans instead of only reporting them"`
	} `cmd:"" help:"Find (and optionally remove) orphaned clones and vector collections"`

	Watch struct {
		TaskID string `arg:"" help:"Task id"`
	} `cmd:"" help:"Stream progress events for a task until it reaches a terminal state"`

	Version struct{} `cmd:"" help:"Print version information"`
}

func main() {
	kctx := kong.Parse(&CLI)

	if kctx.Command() == "version" {
		fmt.Printf("repowiki %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return
	}

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if CLI.Verbose || cfg.Verbose {
		level = slog.LevelDebug
	}
	// Every log line passes the credential scrubber, whatever package emitted it.
	slog.SetDefault(slog.New(redact.NewHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var runErr error
	switch kctx.Command() {
	case "serve":
		runErr = runServe(ctx, cfg, true)
	case "worker":
		runErr = runServe(ctx, cfg, false)
	case "submit <url>":
		runErr = runSubmit(ctx, cfg)
	case "status <repo-id>":
		runErr = runStatus(ctx, cfg)
	case "list":
		runErr = runList(ctx, cfg)
	case "cancel <task-id>":
		runErr = runCancel(ctx, cfg)
	case "delete <repo-id>":
		runErr = runDelete(ctx, cfg)
	case "regenerate <repo-id>":
		runErr = runRegenerate(ctx, cfg)
	case "reconcile":
		runErr = runReconcile(ctx, cfg)
	case "watch <task-id>":
		runErr = runWatch(ctx, cfg)
	default:
		runErr = fmt.Errorf("unknown command %q", kctx.Command())
	}
	if runErr != nil {
		slog.Error("command failed", logfields.Error(runErr))
		os.Exit(1)
	}
}

// realm bundles the shared backends every command talks to.
type realm struct {
	store   *store.Store
	conn    *nats.Conn
	queue   *queue.NATS
	cancels *cancelreg.NATS
	bus     *progress.NATS
	vectors *vectorstore.SQLite
}

func connect(ctx context.Context, cfg *config.Config) (*realm, error) {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn, err := nats.Connect(cfg.NATS.URL, nats.Name("repowiki"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		_ = st.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	q, err := queue.NewNATS(ctx, js, cfg.NATS.Stream)
	if err != nil {
		conn.Close()
		_ = st.Close()
		return nil, fmt.Errorf("task queue: %w", err)
	}
	cancels, err := cancelreg.NewNATS(ctx, js, cfg.NATS.CancelBucket, cfg.NATS.CancelTTL)
	if err != nil {
		conn.Close()
		_ = st.Close()
		return nil, fmt.Errorf("cancel registry: %w", err)
	}
	vectors, err := vectorstore.NewSQLite(cfg.Database.VectorPath)
	if err != nil {
		conn.Close()
		_ = st.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	return &realm{
		store:   st,
		conn:    conn,
		queue:   q,
		cancels: cancels,
		bus:     progress.NewNATS(conn),
		vectors: vectors,
	}, nil
}

func (r *realm) close() {
	r.conn.Close()
	if err := r.vectors.Close(); err != nil {
		slog.Warn("vector store close failed", logfields.Error(err))
	}
	if err := r.store.Close(); err != nil {
		slog.Warn("database close failed", logfields.Error(err))
	}
}

func (r *realm) service(cfg *config.Config) *service.Service {
	return &service.Service{
		Store:       r.store,
		Cancels:     r.cancels,
		Queue:       r.queue,
		Bus:         r.bus,
		Vectors:     r.vectors,
		ReposDir:    cfg.Repos.BaseDir,
		DeleteGrace: cfg.Worker.DeleteGrace,
	}
}

func runServe(ctx context.Context, cfg *config.Config, scheduled bool) error {
	r, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	gen, emb, err := llm.Open(cfg.LLM.DefaultProvider, cfg.LLM.DefaultModel)
	if err != nil {
		return err
	}

	var rec metrics.Recorder = metrics.NoopRecorder{}
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		rec = metrics.NewPrometheusRecorder(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			slog.Info("metrics listening", slog.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", logfields.Error(err))
			}
		}()
	}

	git := gitrepo.NewClient()
	if cfg.Git.CloneTimeout > 0 {
		git.CloneTimeout = cfg.Git.CloneTimeout
	}
	if cfg.Git.FetchTimeout > 0 {
		git.FetchTimeout = cfg.Git.FetchTimeout
	}
	if cfg.Git.DiffTimeout > 0 {
		git.DiffTimeout = cfg.Git.DiffTimeout
	}

	embedder := embed.New(emb, r.store, rec)
	embedder.BatchSize = cfg.Embed.BatchSize
	embedder.Concurrency = cfg.Embed.MaxConcurrent
	if cfg.Embed.RetryAttempts > 0 {
		embedder.Policy = retry.NewPolicy(retry.BackoffExponential,
			cfg.Embed.RetryInitial, cfg.Embed.RetryMax, cfg.Embed.RetryAttempts-1)
	}

	wikiGen := wiki.New(gen, r.store, r.vectors, rec)
	wikiGen.Concurrency = cfg.Wiki.PageConcurrency
	wikiGen.Language = cfg.Wiki.Language
	wikiGen.Provider = cfg.LLM.DefaultProvider
	wikiGen.Model = cfg.LLM.DefaultModel
	wikiGen.DirtyThreshold = cfg.Wiki.FullRegenThreshold
	wikiGen.SectionTitleThreshold = cfg.Wiki.SectionTitleThreshold
	wikiGen.CallTimeout = cfg.LLM.CallTimeout

	pipe := &pipeline.Pipeline{
		Store:    r.store,
		Cancels:  r.cancels,
		Bus:      r.bus,
		Git:      git,
		Registry: parser.NewRegistry(),
		Embedder: embedder,
		Wiki:     wikiGen,
		Vectors:  r.vectors,
		Metrics:  rec,
		ReposDir: cfg.Repos.BaseDir,
	}

	host, _ := os.Hostname()
	runner := &worker.Runner{
		ID:       fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		Store:    r.store,
		Pipeline: pipe,
		Cancels:  r.cancels,
		Bus:      r.bus,
		Consumer: r.queue,
		Metrics:  rec,
		Policy: retry.NewPolicy(retry.BackoffLinear,
			cfg.Worker.RetryInitial, cfg.Worker.RetryMax, cfg.Worker.MaxRetries),
	}

	if scheduled {
		sched := &worker.SyncScheduler{Store: r.store, Queue: r.queue, Interval: cfg.Worker.SyncInterval}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				slog.Warn("scheduler shutdown failed", logfields.Error(err))
			}
		}()
	}

	slog.Info("worker started",
		logfields.Worker(runner.ID),
		slog.String("provider", cfg.LLM.DefaultProvider),
		slog.String("model", cfg.LLM.DefaultModel))

	err = runner.Run(ctx)

	if metricsSrv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = metricsSrv.Shutdown(shutCtx)
	}
	if errors.Is(err, context.Canceled) {
		slog.Info("worker stopped")
		return nil
	}
	return err
}

func runSubmit(ctx context.Context, cfg *config.Config) error {
	r, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	res, err := r.service(cfg).Submit(ctx, service.SubmitRequest{
		RepoURL:  CLI.Submit.URL,
		PATToken: CLI.Submit.Token,
		Branch:   CLI.Submit.Branch,
		Provider: cfg.LLM.DefaultProvider,
		Model:    cfg.LLM.DefaultModel,
	})
	if err != nil {
		var conflict *store.ErrActiveTaskExists
		if errors.As(err, &conflict) {
			return fmt.Errorf("repository is already being processed by task %s", conflict.TaskID)
		}
		return err
	}
	fmt.Printf("repository: %s\ntask:       %s (%s)\n", res.RepoID, res.TaskID, res.TaskType)
	return nil
}

func runStatus(ctx context.Context, cfg *config.Config) error {
	r, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	st, err := r.service(cfg).Status(ctx, CLI.Status.RepoID)
	if err != nil {
		return err
	}
	repo := st.Repository
	fmt.Printf("repository: %s\nname:       %s\nurl:        %s\nbranch:     %s\nstatus:     %s\n",
		repo.ID, repo.Name, repo.URL, repo.DefaultBranch, repo.Status)
	if repo.LastSyncedAt != nil {
		fmt.Printf("synced:     %s\n", repo.LastSyncedAt.Format(time.RFC3339))
	}
	if st.WikiID != "" {
		fmt.Printf("wiki:       %s\n", st.WikiID)
	}
	if st.ActiveTask != nil {
		fmt.Printf("task:       %s (%s, %s, %.1f%%)\n",
			st.ActiveTask.ID, st.ActiveTask.Type, st.ActiveTask.Status, st.ActiveTask.ProgressPct)
	}
	return nil
}

func runList(ctx context.Context, cfg *config.Config) error {
	r, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	repos, err := r.service(cfg).List(ctx)
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		fmt.Println("no repositories")
		return nil
	}
	for _, repo := range repos {
		synced := "never"
		if repo.LastSyncedAt != nil {
			synced = repo.LastSyncedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-12s %-28s synced %s\n", repo.ID, repo.Status, repo.Name, synced)
	}
	return nil
}

func runCancel(ctx context.Context, cfg *config.Config) error {
	r, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	if err := r.service(cfg).Cancel(ctx, CLI.Cancel.TaskID); err != nil {
		if errors.Is(err, store.ErrTaskCancelled) {
			return fmt.Errorf("task %s already finished", CLI.Cancel.TaskID)
		}
		return err
	}
	fmt.Printf("cancellation requested for task %s\n", CLI.Cancel.TaskID)
	return nil
}

func runDelete(ctx context.Context, cfg *config.Config) error {
	r, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	if err := r.service(cfg).Delete(ctx, CLI.Delete.RepoID); err != nil {
		return err
	}
	fmt.Printf("repository %s deleted\n", CLI.Delete.RepoID)
	return nil
}

func runRegenerate(ctx context.Context, cfg *config.Config) error {
	r, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	svc := r.service(cfg)
	var res *service.SubmitResult
	if CLI.Regenerate.Full {
		res, err = svc.Reprocess(ctx, CLI.Regenerate.RepoID, service.SubmitRequest{
			Provider: cfg.LLM.DefaultProvider,
			Model:    cfg.LLM.DefaultModel,
		})
	} else {
		res, err = svc.RegenerateWiki(ctx, CLI.Regenerate.RepoID, CLI.Regenerate.Pages)
	}
	if err != nil {
		return err
	}
	fmt.Printf("task: %s (%s)\n", res.TaskID, res.TaskType)
	return nil
}

func runReconcile(ctx context.Context, cfg *config.Config) error {
	r, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	rec := &reconcile.Reconciler{Store: r.store, Vectors: r.vectors, ReposDir: cfg.Repos.BaseDir}
	var report *reconcile.Report
	if CLI.Reconcile.Execute {
		report, err = rec.Execute(ctx)
	} else {
		report, err = rec.Scan(ctx)
	}
	if err != nil {
		if errors.Is(err, reconcile.ErrActiveTasks) {
			return fmt.Errorf("reconciliation refused: tasks are running, retry when the system is quiet")
		}
		return err
	}
	if report.Empty() {
		fmt.Println("nothing orphaned")
		return nil
	}
	verb := "found"
	if CLI.Reconcile.Execute {
		verb = "removed"
	}
	for _, dir := range report.OrphanDirs {
		fmt.Printf("%s orphaned clone %s\n", verb, dir)
	}
	for _, col := range report.OrphanCollections {
		fmt.Printf("%s orphaned collection %s\n", verb, col)
	}
	return nil
}

func runWatch(ctx context.Context, cfg *config.Config) error {
	r, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	taskID := CLI.Watch.TaskID
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if store.Terminal(task.Status) {
		fmt.Printf("task %s already %s\n", taskID, task.Status)
		return nil
	}

	ch, unsubscribe, err := r.bus.Subscribe(ctx, taskID)
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			printEvent(ev)
			if store.Terminal(ev.Status) {
				return nil
			}
		}
	}
}

func printEvent(ev progress.Event) {
	line := fmt.Sprintf("%6.1f%%  %-12s", ev.ProgressPct, ev.Status)
	if ev.Stage != "" {
		line += "  " + ev.Stage
	}
	if ev.Error != "" {
		line += "  " + ev.Error
	}
	if ev.WikiID != "" {
		line += "  wiki " + ev.WikiID
	}
	if ev.SyncStats != nil {
		line += fmt.Sprintf("  +%d ~%d -%d", ev.SyncStats.Added, ev.SyncStats.Modified, ev.SyncStats.Deleted)
	}
	if len(ev.SkippedPages) > 0 {
		line += "  skipped " + strings.Join(ev.SkippedPages, ",")
	}
	if ev.WikiRegenSuggestion != "" {
		line += "  (" + ev.WikiRegenSuggestion + ")"
	}
	fmt.Println(line)
}
