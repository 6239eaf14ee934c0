// Command apt-archive-engine manages a Debian-style package archive: it
// ingests signed uploads, imports packages into suites, expires superseded
// versions, audits consistency and publishes the signed apt metadata tree.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/etnz/apt-archive-engine/archive"
	"github.com/etnz/apt-archive-engine/config"
	"github.com/etnz/apt-archive-engine/events"
	"github.com/etnz/apt-archive-engine/pgp"
	"github.com/etnz/apt-archive-engine/publish"
	"github.com/etnz/apt-archive-engine/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

type app struct {
	cfg  *config.Config
	st   *store.Store
	emit events.Listener
}

func rootCmd() *cobra.Command {
	var configPath string
	var verbose bool
	var a app

	root := &cobra.Command{
		Use:           "apt-archive-engine",
		Short:         "Debian-style package archive management engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(store.Options{
				SQLitePath:  cfg.DatabaseFile(),
				PostgresDSN: cfg.DatabaseDSN,
			})
			if err != nil {
				return err
			}
			a = app{
				cfg:  cfg,
				st:   st,
				emit: events.Log(logrus.WithField("component", "events")),
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "archive.yaml", "configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		importSourceCmd(&a),
		importBinaryCmd(&a),
		processUploadCmd(&a),
		publishCmd(&a),
		expireCmd(&a),
		checkIntegrityCmd(&a),
		watchIncomingCmd(&a),
	)
	return root
}

// importFlags binds the shared importer options.
func importFlags(cmd *cobra.Command, repo, suite, component *string, opts *archive.ImportOptions, alwaysNew, neverNew *bool) {
	cmd.Flags().StringVar(repo, "repo", "", "target repository")
	cmd.Flags().StringVar(suite, "suite", "", "target suite")
	cmd.Flags().StringVar(component, "component", "main", "target component")
	cmd.Flags().BoolVar(&opts.SkipExisting, "skip-existing", false, "silently skip already-known versions")
	cmd.Flags().BoolVar(&opts.IgnoreVersionCheck, "ignore-version-check", false, "bypass the version regression guard")
	cmd.Flags().BoolVar(&opts.TolerateMissingSection, "tolerate-missing-section", false, "fall back to section misc")
	cmd.Flags().BoolVar(&opts.AutoCreateOverrides, "auto-overrides", false, "synthesize missing overrides")
	cmd.Flags().BoolVar(alwaysNew, "always-new", false, "force the review queue")
	cmd.Flags().BoolVar(neverNew, "never-new", false, "bypass the review queue")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("suite")
}

func resolveNewPolicy(opts *archive.ImportOptions, alwaysNew, neverNew bool) error {
	switch {
	case alwaysNew && neverNew:
		return fmt.Errorf("--always-new and --never-new are mutually exclusive")
	case alwaysNew:
		opts.NewPolicy = archive.NewPolicyAlways
	case neverNew:
		opts.NewPolicy = archive.NewPolicyNever
	}
	return nil
}

func importSourceCmd(a *app) *cobra.Command {
	var repo, suite, component string
	var opts archive.ImportOptions
	var alwaysNew, neverNew bool

	cmd := &cobra.Command{
		Use:   "import-source <package.dsc>...",
		Short: "Import source packages into a suite",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveNewPolicy(&opts, alwaysNew, neverNew); err != nil {
				return err
			}
			rss, err := a.st.RepoSuiteSettingsFor(repo, suite)
			if err != nil {
				return err
			}
			imp := archive.NewImporter(a.st, a.cfg, rss, opts, a.emit)
			for _, dsc := range args {
				pkg, wasNew, err := imp.ImportSource(dsc, component)
				if err != nil {
					return fmt.Errorf("importing %s: %w", dsc, err)
				}
				if pkg == nil {
					fmt.Printf("%s: skipped\n", dsc)
					continue
				}
				state := "imported"
				if wasNew {
					state = "queued for review"
				}
				fmt.Printf("%s: %s\n", pkg, state)
			}
			return nil
		},
	}
	importFlags(cmd, &repo, &suite, &component, &opts, &alwaysNew, &neverNew)
	return cmd
}

func importBinaryCmd(a *app) *cobra.Command {
	var repo, suite, component string
	var opts archive.ImportOptions
	var alwaysNew, neverNew bool

	cmd := &cobra.Command{
		Use:   "import-binary <package.deb>...",
		Short: "Import binary packages into a suite",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveNewPolicy(&opts, alwaysNew, neverNew); err != nil {
				return err
			}
			rss, err := a.st.RepoSuiteSettingsFor(repo, suite)
			if err != nil {
				return err
			}
			imp := archive.NewImporter(a.st, a.cfg, rss, opts, a.emit)
			for _, debPath := range args {
				pkg, err := imp.ImportBinary(debPath, component, nil)
				if err != nil {
					return fmt.Errorf("importing %s: %w", debPath, err)
				}
				if pkg == nil {
					fmt.Printf("%s: skipped\n", debPath)
					continue
				}
				fmt.Printf("%s: imported\n", pkg)
			}
			return nil
		},
	}
	importFlags(cmd, &repo, &suite, &component, &opts, &alwaysNew, &neverNew)
	return cmd
}

func processUploadCmd(a *app) *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "process-upload",
		Short: "Process pending uploads from the incoming directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := archive.NewUploadHandler(a.st, a.cfg, repo, a.emit)
			if err != nil {
				return err
			}
			accepted, rejected, err := h.ProcessIncoming(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("accepted %d, rejected %d\n", accepted, rejected)
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository whose incoming directory to process")
	cmd.MarkFlagRequired("repo")
	return cmd
}

func publishCmd(a *app) *cobra.Command {
	var repo, suite string
	var force, onlySources bool

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Regenerate and sign the apt metadata of pending suites",
		RunE: func(cmd *cobra.Command, args []string) error {
			var signer *pgp.Signer
			if a.cfg.SigningKeyPath != "" {
				var err error
				signer, err = pgp.NewSigner(a.cfg.SigningKeyPath)
				if err != nil {
					return err
				}
			}
			pub := publish.NewPublisher(a.st, a.cfg, signer, a.emit)
			pub.Force = force
			pub.OnlySources = onlySources

			if repo != "" && suite != "" {
				rss, err := a.st.RepoSuiteSettingsFor(repo, suite)
				if err != nil {
					return err
				}
				return pub.PublishSuite(rss)
			}
			return pub.PublishAll(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "publish only this repository (with --suite)")
	cmd.Flags().StringVar(&suite, "suite", "", "publish only this suite (with --repo)")
	cmd.Flags().BoolVar(&force, "force", false, "publish even without pending changes")
	cmd.Flags().BoolVar(&onlySources, "only-sources", false, "patch Sources indices in place")
	return cmd
}

func expireCmd(a *app) *cobra.Command {
	var repo, suite string
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire superseded package versions and purge old deletions",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := archive.NewMaintainer(a.st, a.cfg, a.emit)
			all, err := a.st.AllRepoSuiteSettings()
			if err != nil {
				return err
			}
			for i := range all {
				rss := &all[i]
				if repo != "" && rss.Repo.Name != repo {
					continue
				}
				if suite != "" && rss.Suite.Name != suite {
					continue
				}
				if err := m.ExpireSuperseded(rss); err != nil {
					return fmt.Errorf("expiring %s/%s: %w", rss.Repo.Name, rss.Suite.Name, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "restrict to one repository")
	cmd.Flags().StringVar(&suite, "suite", "", "restrict to one suite")
	return cmd
}

func checkIntegrityCmd(a *app) *cobra.Command {
	var repo string
	var fix, verifyFiles bool

	cmd := &cobra.Command{
		Use:   "check-integrity",
		Short: "Audit database and on-disk archive state",
		RunE: func(cmd *cobra.Command, args []string) error {
			checker := archive.NewChecker(a.st, a.cfg)
			checker.VerifyContent = verifyFiles

			repos := []string{repo}
			if repo == "" {
				repos = repos[:0]
				for _, rc := range a.cfg.Repositories {
					repos = append(repos, rc.Name)
				}
			}
			clean := true
			for _, name := range repos {
				report, err := checker.CheckRepository(cmd.Context(), name, fix)
				if err != nil {
					return err
				}
				for _, issue := range report.Issues {
					fmt.Println(issue)
				}
				fmt.Printf("%s: %d files checked, %d issue(s)\n",
					name, report.FilesChecked, len(report.Issues))
				if !report.Clean() {
					clean = false
				}
			}
			if !clean && !fix {
				return fmt.Errorf("consistency issues found")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "restrict to one repository")
	cmd.Flags().BoolVar(&fix, "fix", false, "repair fixable issues")
	cmd.Flags().BoolVar(&verifyFiles, "verify-files", false, "re-hash every registered file")
	return cmd
}

// watchIncomingCmd runs the upload pipeline as a daemon, reacting to new
// .changes files appearing in the incoming directory.
func watchIncomingCmd(a *app) *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "watch-incoming",
		Short: "Watch the incoming directory and process uploads as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := archive.NewUploadHandler(a.st, a.cfg, repo, a.emit)
			if err != nil {
				return err
			}
			repoCfg := a.cfg.Repository(repo)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()
			if err := watcher.Add(repoCfg.IncomingDir); err != nil {
				return err
			}

			// Catch anything that arrived before the watch started.
			process := func() {
				accepted, rejected, err := h.ProcessIncoming(ctx)
				if err != nil && ctx.Err() == nil {
					logrus.WithError(err).Error("processing incoming")
					return
				}
				if accepted+rejected > 0 {
					logrus.WithFields(logrus.Fields{
						"accepted": accepted, "rejected": rejected,
					}).Info("incoming batch processed")
				}
			}
			process()

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
						continue
					}
					// Uploads finish with the .changes file; its arrival
					// means the referenced files are already in place.
					if !fsnotifyIsChanges(ev.Name) {
						continue
					}
					process()
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					logrus.WithError(err).Warn("watcher error")
				}
			}
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository whose incoming directory to watch")
	cmd.MarkFlagRequired("repo")
	return cmd
}

func fsnotifyIsChanges(path string) bool {
	return len(path) > 8 && path[len(path)-8:] == ".changes"
}
