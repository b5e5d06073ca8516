package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/hash/sha256"
	"github.com/JakeFAU/nfse-harvester/internal/nfse"
	"github.com/JakeFAU/nfse-harvester/internal/period"
)

// DefaultBucketFullThreshold is the portal's page size: a bucket holding this
// many files has already been harvested.
const DefaultBucketFullThreshold = 11

const maxRenameAttempts = 1000

var defaultHasher = sha256.New()

// Status is the outcome kind of Organize.
type Status string

// Organize outcomes.
const (
	StatusOrganized Status = "organized"
	StatusSkipped   Status = "skipped"
)

// Outcome reports where an artifact ended up.
type Outcome struct {
	Status      Status        `json:"status"`
	FileName    string        `json:"file_name,omitempty"`
	TargetPath  string        `json:"target_path,omitempty"`
	Reason      Reason        `json:"reason,omitempty"`
	DuplicateOf string        `json:"duplicate_of,omitempty"`
	Bucket      period.Bucket `json:"bucket"`
	// Retargeted is set when the embedded issue date moved the artifact out of
	// the bucket its search window implied.
	Retargeted bool `json:"retargeted,omitempty"`
}

// Config tunes the engine.
type Config struct {
	Root string
	// BucketFullThreshold skips pre-checked rows once a bucket holds this many
	// files. Zero disables the check.
	BucketFullThreshold int
	Policies            []Policy
}

// Engine decides whether artifacts are new and moves them into
// root/<yyyy>/<mm>/<cnpj>.
type Engine struct {
	root      string
	threshold int
	policies  []Policy
	cache     *Cache
	logger    *zap.Logger
}

// New builds an engine. A nil cache gets a private one with the default TTL.
func New(cfg Config, cache *Cache, logger *zap.Logger) (*Engine, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("dedup: root directory is required")
	}
	if cfg.BucketFullThreshold < 0 {
		return nil, fmt.Errorf("dedup: bucket full threshold must be >= 0, got %d", cfg.BucketFullThreshold)
	}
	if cache == nil {
		cache = NewCache(DefaultCacheTTL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policies := cfg.Policies
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	return &Engine{
		root:      cfg.Root,
		threshold: cfg.BucketFullThreshold,
		policies:  policies,
		cache:     cache,
		logger:    logger.Named("dedup"),
	}, nil
}

// Root returns the download root.
func (e *Engine) Root() string { return e.root }

// Cache exposes the shared cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Organize resolves one staged artifact. On return the staging file has been
// moved to its bucket or deleted, whatever the result.
func (e *Engine) Organize(ctx context.Context, artifactPath, cnpj string, nominal period.Period) (out Outcome, err error) {
	moved := false
	defer func() {
		if moved {
			return
		}
		if rmErr := os.Remove(artifactPath); rmErr != nil && !os.IsNotExist(rmErr) {
			e.logger.Warn("failed to remove staged artifact", zap.String("path", artifactPath), zap.Error(rmErr))
		}
	}()

	cand, err := e.candidate(artifactPath, cnpj, nominal)
	if err != nil {
		return Outcome{}, err
	}
	defer e.cache.Forget(cand.Identity)

	target := e.resolveBucket(cand, cnpj, nominal)
	out.Bucket = target
	out.Retargeted = target != nominal.BucketOf(cnpj)

	verdict, err := runChain(ctx, e.policies, cand, e.dirs(cand, target))
	if err != nil {
		return Outcome{}, fmt.Errorf("organize %s: %w", cand.Name, err)
	}
	if verdict.Duplicate {
		e.logger.Debug("artifact skipped",
			zap.String("file", cand.Name),
			zap.String("reason", string(verdict.Reason)),
			zap.String("duplicate_of", verdict.DuplicateOf))
		out.Status = StatusSkipped
		out.Reason = verdict.Reason
		out.DuplicateOf = verdict.DuplicateOf
		return out, nil
	}

	dir := target.Dir(e.root)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Outcome{}, fmt.Errorf("create bucket dir %s: %w", dir, err)
	}
	placed, dup, err := e.place(cand, dir)
	if err != nil {
		return Outcome{}, fmt.Errorf("move %s: %w", cand.Name, err)
	}
	if dup != "" {
		out.Status = StatusSkipped
		out.Reason = ReasonHashDuplicate
		out.DuplicateOf = filepath.Base(dup)
		return out, nil
	}
	moved = true

	fields, ok := cand.fields()
	sum, _ := cand.hash()
	e.cache.Prime(placed, sum, fields, ok)

	if out.Retargeted {
		e.logger.Info("artifact retargeted to its issue month",
			zap.String("file", filepath.Base(placed)),
			zap.String("nominal", nominal.Label()),
			zap.Stringer("bucket", target))
	}
	out.Status = StatusOrganized
	out.FileName = filepath.Base(placed)
	out.TargetPath = placed
	return out, nil
}

// Check runs the duplicate chain without moving anything. Repeated checks of
// the same artifact within the cache TTL return the cached verdict.
func (e *Engine) Check(ctx context.Context, artifactPath, cnpj string, nominal period.Period) (Verdict, error) {
	cand, err := e.candidate(artifactPath, cnpj, nominal)
	if err != nil {
		return Verdict{}, err
	}
	target := e.resolveBucket(cand, cnpj, nominal)
	return runChain(ctx, e.policies, cand, e.dirs(cand, target))
}

// PreCheck decides whether a row can be skipped before downloading it, using
// only the document number rendered in the result table.
func (e *Engine) PreCheck(ctx context.Context, cnpj string, nominal period.Period, documentNumber string) (Verdict, error) {
	dir := nominal.BucketOf(cnpj).Dir(e.root)
	files, err := ListFiles(dir)
	if err != nil {
		return Verdict{}, err
	}
	if e.threshold > 0 && len(files) >= e.threshold {
		return Verdict{Duplicate: true, Reason: ReasonBucketFull}, nil
	}
	documentNumber = strings.TrimLeft(strings.TrimSpace(documentNumber), "0")
	if documentNumber == "" {
		return Verdict{}, nil
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return Verdict{}, fmt.Errorf("pre-check canceled: %w", err)
		}
		fields, ok := e.cache.Fields(path, nfse.ExtractFile)
		if ok && strings.TrimLeft(fields.Number, "0") == documentNumber {
			return duplicateOf(ReasonDocumentExists, path), nil
		}
	}
	return Verdict{}, nil
}

func (e *Engine) candidate(artifactPath, cnpj string, nominal period.Period) (*Candidate, error) {
	identity, err := ArtifactIdentity(artifactPath)
	if err != nil {
		return nil, err
	}
	cache := e.cache
	cand := &Candidate{
		Path:     artifactPath,
		Name:     filepath.Base(artifactPath),
		Identity: identity,
		Nominal:  nominal.BucketOf(cnpj).Dir(e.root),
		cache:    cache,
	}
	// Keyed by identity rather than path: staging paths are reused.
	cand.fields = func() (nfse.Fields, bool) {
		return cache.Fields(identity, func(string) (nfse.Fields, error) {
			return nfse.ExtractFile(artifactPath)
		})
	}
	cand.hash = func() (string, error) {
		return cache.Hash(identity, func(string) (string, error) {
			return defaultHasher.HashFile(artifactPath)
		})
	}
	cand.existing = func(dir string) ([]string, error) {
		files, err := ListFiles(dir)
		if err != nil {
			return nil, err
		}
		out := files[:0]
		for _, f := range files {
			if f != artifactPath {
				out = append(out, f)
			}
		}
		return out, nil
	}
	return cand, nil
}

func (e *Engine) resolveBucket(cand *Candidate, cnpj string, nominal period.Period) period.Bucket {
	fields, ok := cand.fields()
	if !ok || fields.IssuedAt.IsZero() {
		return nominal.BucketOf(cnpj)
	}
	return period.BucketAt(cnpj, fields.IssuedAt)
}

func (e *Engine) dirs(cand *Candidate, target period.Bucket) []string {
	trueDir := target.Dir(e.root)
	if trueDir == cand.Nominal {
		return []string{cand.Nominal}
	}
	return []string{cand.Nominal, trueDir}
}

// place moves the artifact into dir without ever overwriting. When the name is
// taken by identical bytes it reports the existing path as dup; otherwise it
// falls back to "name (N).ext".
func (e *Engine) place(cand *Candidate, dir string) (placed, dup string, err error) {
	ext := filepath.Ext(cand.Name)
	stem := strings.TrimSuffix(cand.Name, ext)
	for n := 0; n < maxRenameAttempts; n++ {
		name := cand.Name
		if n > 0 {
			name = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		target := filepath.Join(dir, name)
		err := moveNoClobber(cand.Path, target)
		if err == nil {
			return target, "", nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", "", err
		}
		same, err := e.sameBytes(cand, target)
		if err != nil {
			return "", "", err
		}
		if same {
			return "", target, nil
		}
	}
	return "", "", fmt.Errorf("no free name for %s in %s", cand.Name, dir)
}

func (e *Engine) sameBytes(cand *Candidate, existing string) (bool, error) {
	sum, err := cand.hash()
	if err != nil {
		return false, err
	}
	other, err := defaultHasher.HashFile(existing)
	if err != nil {
		return false, err
	}
	return sum == other, nil
}

// moveNoClobber hard-links src to dst and removes src. Filesystems without
// hard links across the pair get an exclusive-create copy instead. Either way
// an existing dst yields os.ErrExist.
func moveNoClobber(src, dst string) error {
	linkErr := os.Link(src, dst)
	if linkErr == nil {
		return os.Remove(src)
	}
	if errors.Is(linkErr, os.ErrExist) {
		return linkErr
	}
	if err := copyExclusive(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyExclusive(src, dst string) (err error) {
	in, err := os.Open(src) //nolint:gosec // staging path
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck // read-only handle

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) //nolint:gosec // bucket path
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}
