package dedup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/JakeFAU/nfse-harvester/internal/nfse"
)

// Reason names why an artifact was skipped. The duplicate reasons double as
// strategy names in verdict cache keys.
type Reason string

// Skip reasons.
const (
	ReasonFileExists       Reason = "file_exists"
	ReasonNameDuplicate    Reason = "name_duplicate"
	ReasonContentDuplicate Reason = "content_duplicate"
	ReasonHashDuplicate    Reason = "hash_duplicate"
	ReasonBucketFull       Reason = "bucket_full"
	ReasonDocumentExists   Reason = "document_exists"
)

// Verdict is the result of one policy. The zero value means inconclusive.
type Verdict struct {
	Duplicate   bool   `json:"duplicate"`
	Reason      Reason `json:"reason,omitempty"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

func duplicateOf(reason Reason, existingPath string) Verdict {
	return Verdict{Duplicate: true, Reason: reason, DuplicateOf: filepath.Base(existingPath)}
}

// Candidate is the artifact under evaluation. Fields and hash are resolved
// lazily so cheap policies never pay for parsing or hashing.
type Candidate struct {
	Path     string
	Name     string
	Identity string
	// Nominal is the destination directory derived from the search window.
	Nominal string

	fields   func() (nfse.Fields, bool)
	hash     func() (string, error)
	existing func(dir string) ([]string, error)
	cache    *Cache
}

// Policy is one link of the duplicate-detection chain.
type Policy interface {
	Name() Reason
	Check(ctx context.Context, cand *Candidate, dir string) (Verdict, error)
}

// DefaultPolicies returns the chain in evaluation order, cheapest first.
func DefaultPolicies() []Policy {
	return []Policy{
		fileExistsPolicy{},
		nameDuplicatePolicy{},
		contentDuplicatePolicy{},
		hashDuplicatePolicy{},
	}
}

// runChain evaluates policies in order across dirs; the first conclusive
// verdict wins. Verdicts are cached per (artifact, dir, policy).
func runChain(ctx context.Context, policies []Policy, cand *Candidate, dirs []string) (Verdict, error) {
	for _, policy := range policies {
		for _, dir := range dirs {
			if err := ctx.Err(); err != nil {
				return Verdict{}, fmt.Errorf("duplicate check canceled: %w", err)
			}
			key := VerdictKey{Artifact: cand.Identity, Destination: dir, Strategy: policy.Name()}
			verdict, cached := cand.cache.Verdict(key)
			if !cached {
				var err error
				verdict, err = policy.Check(ctx, cand, dir)
				if err != nil {
					return Verdict{}, fmt.Errorf("%s check in %s: %w", policy.Name(), dir, err)
				}
				cand.cache.StoreVerdict(key, verdict)
			}
			if verdict.Duplicate {
				return verdict, nil
			}
		}
	}
	return Verdict{}, nil
}

type fileExistsPolicy struct{}

func (fileExistsPolicy) Name() Reason { return ReasonFileExists }

func (fileExistsPolicy) Check(_ context.Context, cand *Candidate, dir string) (Verdict, error) {
	if dir != cand.Nominal {
		return Verdict{}, nil
	}
	target := filepath.Join(dir, cand.Name)
	if _, err := os.Stat(target); err == nil {
		return duplicateOf(ReasonFileExists, target), nil
	} else if !os.IsNotExist(err) {
		return Verdict{}, fmt.Errorf("stat %s: %w", target, err)
	}
	return Verdict{}, nil
}

type nameDuplicatePolicy struct{}

func (nameDuplicatePolicy) Name() Reason { return ReasonNameDuplicate }

func (nameDuplicatePolicy) Check(_ context.Context, cand *Candidate, dir string) (Verdict, error) {
	files, err := cand.existing(dir)
	if err != nil {
		return Verdict{}, err
	}
	want := NormalizeName(cand.Name)
	for _, path := range files {
		if NormalizeName(filepath.Base(path)) == want {
			return duplicateOf(ReasonNameDuplicate, path), nil
		}
	}
	return Verdict{}, nil
}

type contentDuplicatePolicy struct{}

func (contentDuplicatePolicy) Name() Reason { return ReasonContentDuplicate }

func (contentDuplicatePolicy) Check(_ context.Context, cand *Candidate, dir string) (Verdict, error) {
	fields, ok := cand.fields()
	if !ok {
		return Verdict{}, nil
	}
	pair, ok := fields.Pair()
	if !ok {
		return Verdict{}, nil
	}
	files, err := cand.existing(dir)
	if err != nil {
		return Verdict{}, err
	}
	for _, path := range files {
		existing, ok := cand.cache.Fields(path, nfse.ExtractFile)
		if !ok {
			continue
		}
		if other, ok := existing.Pair(); ok && other == pair {
			return duplicateOf(ReasonContentDuplicate, path), nil
		}
	}
	return Verdict{}, nil
}

type hashDuplicatePolicy struct{}

func (hashDuplicatePolicy) Name() Reason { return ReasonHashDuplicate }

func (hashDuplicatePolicy) Check(_ context.Context, cand *Candidate, dir string) (Verdict, error) {
	sum, err := cand.hash()
	if err != nil {
		return Verdict{}, err
	}
	files, err := cand.existing(dir)
	if err != nil {
		return Verdict{}, err
	}
	for _, path := range files {
		other, err := cand.cache.Hash(path, defaultHasher.HashFile)
		if err != nil {
			continue
		}
		if other == sum {
			return duplicateOf(ReasonHashDuplicate, path), nil
		}
	}
	return Verdict{}, nil
}

var browserCopySuffix = regexp.MustCompile(`\s*\(\d+\)$`)

// NormalizeName lowercases a file name and strips the " (N)" suffix browsers
// append when a download name is already taken.
func NormalizeName(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	base = browserCopySuffix.ReplaceAllString(base, "")
	return strings.ToLower(strings.TrimSpace(base) + ext)
}

// ListFiles returns the regular, non-hidden, fully-written files in dir,
// sorted by name. A missing dir yields no files.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || isPartial(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isPartial(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".crdownload", ".tmp", ".part":
		return true
	default:
		return false
	}
}
