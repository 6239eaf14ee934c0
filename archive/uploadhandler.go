package archive

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/etnz/apt-archive-engine/config"
	"github.com/etnz/apt-archive-engine/deb"
	"github.com/etnz/apt-archive-engine/events"
	"github.com/etnz/apt-archive-engine/pgp"
	"github.com/etnz/apt-archive-engine/store"
)

// UploadHandler drives .changes uploads from an incoming directory through
// authentication, policy, verification, static checks and import, moving
// rejects aside with a machine-readable reason.
type UploadHandler struct {
	st       *store.Store
	cfg      *config.Config
	repoCfg  *config.RepositoryConfig
	repo     *store.ArchiveRepository
	verifier *pgp.Verifier
	emit     events.Listener
	log      *logrus.Entry
}

// NewUploadHandler builds a handler for one configured repository, loading
// its uploader keyrings.
func NewUploadHandler(st *store.Store, cfg *config.Config, repoName string, emit events.Listener) (*UploadHandler, error) {
	repoCfg := cfg.Repository(repoName)
	if repoCfg == nil {
		return nil, fmt.Errorf("repository %s is not configured", repoName)
	}
	repo, err := st.RepositoryByName(repoName)
	if err != nil {
		return nil, err
	}
	verifier, err := pgp.NewVerifier(repoCfg.KeyringPaths...)
	if err != nil {
		return nil, err
	}
	if emit == nil {
		emit = events.Discard
	}
	return &UploadHandler{
		st: st, cfg: cfg, repoCfg: repoCfg, repo: repo,
		verifier: verifier, emit: emit,
		log: logrus.WithFields(logrus.Fields{"component": "uploads", "repo": repoName}),
	}, nil
}

// ProcessIncoming handles every .changes file currently in the incoming
// directory, in deterministic order (sourceful uploads of a package before
// its binary-only companions). It returns the accepted and rejected counts;
// a non-nil error means the run itself failed, not an individual upload.
func (h *UploadHandler) ProcessIncoming(ctx context.Context) (accepted, rejected int, err error) {
	entries, err := os.ReadDir(h.repoCfg.IncomingDir)
	if err != nil {
		return 0, 0, fmt.Errorf("reading incoming dir: %w", err)
	}

	var changes []*deb.Changes
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".changes") {
			continue
		}
		path := filepath.Join(h.repoCfg.IncomingDir, e.Name())
		c, err := deb.ParseChanges(path, h.verifier, true)
		if err != nil {
			// Unparseable or unsigned manifests never reach the pipeline.
			h.reject(path, nil, err)
			rejected++
			continue
		}
		changes = append(changes, c)
	}
	deb.SortChanges(changes)

	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			return accepted, rejected, err
		}
		if err := h.ProcessChanges(ctx, c); err != nil {
			if IsRejection(err) {
				h.reject(c.Path, c, err)
				rejected++
				continue
			}
			return accepted, rejected, err
		}
		accepted++
	}
	return accepted, rejected, nil
}

// ProcessChanges runs one parsed upload through the full pipeline.
// A *PolicyError or *IntegrityError return means the upload must be
// rejected; any other error is a system failure that leaves the upload
// in place for a retry.
func (h *UploadHandler) ProcessChanges(ctx context.Context, c *deb.Changes) error {
	log := h.log.WithFields(logrus.Fields{
		"changes": filepath.Base(c.Path),
		"source":  c.Source(),
		"version": c.Version(),
	})

	if c.Signature.Weak {
		return Policyf("signature on %s uses a weak digest algorithm", filepath.Base(c.Path))
	}

	uploader, perm, err := h.authenticate(c)
	if err != nil {
		return err
	}
	log = log.WithField("uploader", uploader.Email)

	rss, err := h.resolveTargetSuite(c)
	if err != nil {
		return err
	}
	if err := h.checkPolicy(c, perm, rss); err != nil {
		return err
	}

	files, err := c.Files()
	if err != nil {
		return Integrityf("bad file list in %s: %v", filepath.Base(c.Path), err)
	}
	// STAGE: copy the upload into an isolated scratch directory and verify
	// every file against its declared checksums there. The incoming files
	// stay untouched until FINALIZE.
	incoming := filepath.Dir(c.Path)
	stage, err := os.MkdirTemp("", "upload-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stage)
	for _, f := range files {
		if err := copyFile(filepath.Join(incoming, f.Name), filepath.Join(stage, f.Name)); err != nil {
			return &IntegrityError{Reason: "upload file missing from incoming", Err: err}
		}
		if err := f.Checksums.Verify(filepath.Join(stage, f.Name)); err != nil {
			return &IntegrityError{Reason: "upload file verification failed", Err: err}
		}
	}
	stagedChanges := filepath.Join(stage, filepath.Base(c.Path))
	if err := copyFile(c.Path, stagedChanges); err != nil {
		return err
	}

	if err := h.runStaticCheck(ctx, stagedChanges); err != nil {
		return err
	}

	isNew, importedFiles, err := h.importUpload(c, perm, rss, files, stage)
	if err != nil {
		return err
	}

	// FINALIZE: the archive owns copies of everything now.
	for _, f := range files {
		os.Remove(filepath.Join(incoming, f.Name))
	}
	os.Remove(c.Path)

	log.WithField("new", isNew).Info("upload accepted")
	h.emit(events.UploadAccepted{
		Repo:     h.repo.Name,
		Suite:    rss.Suite.Name,
		Source:   c.Source(),
		Version:  c.Version(),
		Uploader: uploader.Email,
		IsNew:    isNew,
		Files:    importedFiles,
	})
	return nil
}

// authenticate maps the verified signature to a known uploader holding
// permissions on this repository.
func (h *UploadHandler) authenticate(c *deb.Changes) (*store.Uploader, *store.UploaderPermission, error) {
	for _, fpr := range []string{c.Signature.SignerFingerprint, c.Signature.PrimaryFingerprint} {
		if fpr == "" {
			continue
		}
		uploader, err := h.st.UploaderByFingerprint(fpr)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, nil, err
		}
		perm := uploader.PermissionFor(h.repo.ID)
		if perm == nil {
			return nil, nil, Policyf("uploader %s has no permissions on repository %s",
				uploader.Email, h.repo.Name)
		}
		return uploader, perm, nil
	}
	// Not a rejection: an unknown signer surfaces as a hard error and the
	// incoming files stay in place as evidence.
	return nil, nil, fmt.Errorf("authenticating %s: %w", filepath.Base(c.Path),
		&store.NotFoundError{Entity: "uploader for signing key", Name: c.Signature.PrimaryFingerprint})
}

// resolveTargetSuite maps the Distribution field through the repository's
// suite map and loads the effective repo-suite settings.
func (h *UploadHandler) resolveTargetSuite(c *deb.Changes) (*store.RepoSuiteSettings, error) {
	dist := c.Distribution()
	if strings.ContainsAny(dist, " ,") {
		return nil, Policyf("multi-suite uploads are not supported (Distribution: %s)", dist)
	}
	if mapped, ok := h.repo.UploadSuiteMap[dist]; ok {
		dist = mapped
	}
	rss, err := h.st.RepoSuiteSettingsFor(h.repo.Name, dist)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, Policyf("unknown target suite %q", c.Distribution())
		}
		return nil, err
	}
	return rss, nil
}

func (h *UploadHandler) checkPolicy(c *deb.Changes, perm *store.UploaderPermission, rss *store.RepoSuiteSettings) error {
	if !rss.AcceptUploads || !rss.Suite.AcceptUploads {
		return Policyf("suite %s/%s does not accept uploads", h.repo.Name, rss.Suite.Name)
	}
	if rss.Frozen || rss.Suite.Frozen {
		return Policyf("suite %s/%s is frozen", h.repo.Name, rss.Suite.Name)
	}
	if c.Sourceful() {
		if !perm.AllowSourceUploads {
			return Policyf("uploader may not upload source packages to %s", h.repo.Name)
		}
	} else if !perm.AllowBinaryUploads {
		return Policyf("uploader may not upload binary packages to %s", h.repo.Name)
	}
	if len(perm.AllowedPackages) > 0 {
		allowed := false
		for _, name := range perm.AllowedPackages {
			if name == c.Source() {
				allowed = true
				break
			}
		}
		if !allowed {
			return Policyf("uploader is restricted and may not upload %s", c.Source())
		}
	}
	return nil
}

// runStaticCheck invokes the configured checker on the staged changes file.
// Fatal tags in its output reject the upload; a timeout or crash fails the
// run.
func (h *UploadHandler) runStaticCheck(ctx context.Context, changesPath string) error {
	lint := h.cfg.Lintian
	if lint.Command == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, lint.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, lint.Command, changesPath)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("static check timed out after %s", lint.Timeout)
	}
	// A non-zero exit is how the checker reports findings, not a crash.
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return fmt.Errorf("static check failed to run: %w", err)
		}
	}
	for _, tag := range lint.FatalTags {
		for _, line := range strings.Split(string(out), "\n") {
			if strings.Contains(line, tag) {
				return Policyf("static check found fatal tag %s: %s", tag, strings.TrimSpace(line))
			}
		}
	}
	return nil
}

// importUpload feeds the staged upload's files to the importer: the source
// package first (its placement decides NEW), then every binary, then
// buildinfo files next to the source. Byhand files force the review queue.
func (h *UploadHandler) importUpload(c *deb.Changes, perm *store.UploaderPermission, rss *store.RepoSuiteSettings, files []*deb.UploadFile, stage string) (bool, []string, error) {
	opts := ImportOptions{}
	byhand := false
	for _, f := range files {
		if f.Kind == deb.UploadByhand {
			byhand = true
		}
	}
	if perm.AlwaysReview || byhand {
		opts.NewPolicy = NewPolicyAlways
	}

	imp := NewImporter(h.st, h.cfg, rss, opts, h.emit)

	isNew := false
	var imported []string

	if dsc := c.Dsc(); dsc != nil {
		component := componentOfSection(dsc.Section)
		if err := h.fetchMissingOrigs(filepath.Join(stage, dsc.Name), stage); err != nil {
			return false, nil, err
		}
		pkg, wasNew, err := imp.ImportSource(filepath.Join(stage, dsc.Name), component)
		if err != nil {
			return false, nil, err
		}
		isNew = wasNew
		imported = append(imported, dsc.Name)

		// Buildinfo and byhand files travel with the source package.
		for _, f := range files {
			if f.Kind != deb.UploadBuildinfo && f.Kind != deb.UploadByhand {
				continue
			}
			if err := h.placeCompanion(pkg, f, stage); err != nil {
				return false, nil, err
			}
			imported = append(imported, f.Name)
		}
	}

	for _, f := range c.Binaries() {
		component := componentOfSection(f.Section)
		sums := f.Checksums
		pkg, err := imp.ImportBinary(filepath.Join(stage, f.Name), component, &sums)
		if err != nil {
			return false, nil, err
		}
		if pkg != nil {
			imported = append(imported, f.Name)
		}
	}
	return isNew, imported, nil
}

// fetchMissingOrigs resolves .dsc-referenced files absent from the staged
// upload, typically the orig tarball of a non-native revision already in the
// pool, copying the match into the scratch directory. Exactly one registered
// pool file may match each name; several candidates with diverging checksums
// fail the upload rather than guessing.
func (h *UploadHandler) fetchMissingOrigs(dscPath, stage string) error {
	dsc, err := deb.ReadDsc(dscPath)
	if err != nil {
		return err
	}
	files, err := dsc.Files()
	if err != nil {
		return err
	}
	repoRoot := h.cfg.RepoRoot(h.repo.Name)
	for _, f := range files {
		dst := filepath.Join(stage, f.Name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		var rows []store.ArchiveFile
		err := h.st.DB().Where("repo_id = ? AND path LIKE ?", h.repo.ID, "%/"+f.Name).
			Find(&rows).Error
		if err != nil {
			return err
		}
		var match *store.ArchiveFile
		for i := range rows {
			if filepath.Base(rows[i].Path) != f.Name {
				continue
			}
			if match != nil && match.SHA256 != rows[i].SHA256 {
				return Integrityf("ambiguous pool candidates for missing file %s", f.Name)
			}
			if match == nil {
				match = &rows[i]
			}
		}
		if match == nil {
			return Integrityf("upload references %s which is neither included nor in the pool", f.Name)
		}
		if err := copyFile(filepath.Join(repoRoot, match.Path), dst); err != nil {
			return err
		}
	}
	return nil
}

// placeCompanion copies a non-package file (buildinfo, byhand) into the
// source package's directory and registers it.
func (h *UploadHandler) placeCompanion(pkg *store.SourcePackage, f *deb.UploadFile, stage string) error {
	rel := filepath.Join(pkg.Directory, f.Name)
	dst := filepath.Join(h.cfg.RepoRoot(h.repo.Name), rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := copyFile(filepath.Join(stage, f.Name), dst); err != nil {
		return err
	}
	row := store.ArchiveFile{RepoID: h.repo.ID, Path: rel}
	row.SetChecksums(&f.Checksums)
	existing, err := h.st.ArchiveFileByPath(h.repo.ID, rel)
	if err != nil {
		return err
	}
	if existing != nil {
		row.ID = existing.ID
	}
	if err := h.st.DB().Save(&row).Error; err != nil {
		return err
	}
	return h.st.DB().Model(pkg).Association("Files").Append(&row)
}

// componentOfSection maps a section like "contrib/net" to its component,
// defaulting to main for unprefixed sections.
func componentOfSection(section string) string {
	if i := strings.IndexByte(section, '/'); i > 0 {
		return section[:i]
	}
	return "main"
}

// reject moves a failed upload and its referenced files into the reject
// area and writes a .reason sidecar explaining the decision.
func (h *UploadHandler) reject(changesPath string, c *deb.Changes, cause error) {
	log := h.log.WithField("changes", filepath.Base(changesPath))
	log.WithError(cause).Warn("rejecting upload")

	if err := os.MkdirAll(h.repoCfg.RejectDir, 0o755); err != nil {
		log.WithError(err).Error("cannot create reject dir")
		return
	}

	moved := []string{changesPath}
	if c != nil {
		if files, err := c.Files(); err == nil {
			for _, f := range files {
				moved = append(moved, filepath.Join(filepath.Dir(changesPath), f.Name))
			}
		}
	}
	for _, src := range moved {
		dst := filepath.Join(h.repoCfg.RejectDir, filepath.Base(src))
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("file", src).Error("cannot move rejected file")
		}
	}

	reason := filepath.Join(h.repoCfg.RejectDir, filepath.Base(changesPath)+".reason")
	if err := os.WriteFile(reason, []byte(cause.Error()+"\n"), 0o644); err != nil {
		log.WithError(err).Error("cannot write reject reason")
	}

	ev := events.UploadRejected{Repo: h.repo.Name, Changes: filepath.Base(changesPath), Reason: cause.Error()}
	if c != nil && c.Signature != nil {
		ev.Uploader = c.Signature.PrimaryFingerprint
	}
	h.emit(ev)
}
