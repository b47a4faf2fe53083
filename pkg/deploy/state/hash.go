package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// OverrideFileName is the per-module override file that may redefine the
// include/exclude glob lists for a module. It is itself always excluded
// from the hashed file set, regardless of what the include globs say.
const OverrideFileName = ".module-overrides.yaml"

// RetentionRule is an include/exclude glob pair used to pick which files
// under a module's source directory are retained for hashing. `*` is the
// only supported wildcard; patterns are matched against each file's base
// name with path/filepath.Match, with its other metacharacters quoted.
type RetentionRule struct {
	Include []string
	Exclude []string
}

// DefaultRetention returns the engine-specific default retention rule.
// Concrete defaults are an engine concern (see pkg/deploy/engine); callers
// that don't have an engine-specific override pass this conservative
// default, which retains everything except the override file.
func DefaultRetention() RetentionRule {
	return RetentionRule{Include: []string{"*"}, Exclude: nil}
}

func matchesAny(patterns []string, name string) (bool, error) {
	// Quote filepath.Match's other metacharacters so `*` stays the only
	// wildcard.
	escape := strings.NewReplacer(`\`, `\\`, `?`, `\?`, `[`, `\[`)
	for _, p := range patterns {
		ok, err := filepath.Match(escape.Replace(p), name)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern %q: %w", p, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// retained reports whether a file (by its base name) is kept for hashing
// under the given retention rule.
func retained(rule RetentionRule, name string) (bool, error) {
	if name == OverrideFileName {
		return false, nil
	}
	included := len(rule.Include) == 0
	if !included {
		var err error
		included, err = matchesAny(rule.Include, name)
		if err != nil {
			return false, err
		}
	}
	if !included {
		return false, nil
	}
	excluded, err := matchesAny(rule.Exclude, name)
	if err != nil {
		return false, err
	}
	return !excluded, nil
}

// ModuleHash computes the 128-bit (32-hex-char) content fingerprint of a
// module's source directory: the retained files are visited in sorted
// path order and the running digest absorbs each file's relative path and
// contents in turn, so renaming a retained file changes the hash just as
// editing its contents does.
func ModuleHash(fsys fs.FS, root string, rule RetentionRule) (string, error) {
	type entry struct {
		relPath string
	}
	var entries []entry

	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		ok, err := retained(rule, path.Base(filepath.ToSlash(rel)))
		if err != nil {
			return err
		}
		if ok {
			entries = append(entries, entry{relPath: filepath.ToSlash(rel)})
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking module directory %q: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })

	h := sha256.New()
	for _, e := range entries {
		contents, err := fs.ReadFile(fsys, path.Join(root, e.relPath))
		if err != nil {
			return "", fmt.Errorf("reading module file %q: %w", e.relPath, err)
		}
		h.Write([]byte(e.relPath))
		h.Write([]byte{0})
		h.Write(contents)
		h.Write([]byte{0})
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]), nil
}
