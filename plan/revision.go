package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var revisionFilePattern = regexp.MustCompile(`^(\d{4})_([a-z0-9_]+)\.ya?ml$`)

// File is one revision file: an opaque revision token, its parent pointer,
// and the ordered operation sequence it applies.
type File struct {
	Revision    string      `yaml:"revision"`
	Parent      string      `yaml:"parent"`
	Description string      `yaml:"description"`
	Operations  []Operation `yaml:"operations"`

	// Path and Seq come from the filename, not the document.
	Path string `yaml:"-"`
	Seq  int    `yaml:"-"`
}

// Scan reads a revision directory and returns the files ordered by sequence
// number. Files not matching the naming pattern are ignored.
func Scan(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read revisions dir: %w", err)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := revisionFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read revision %s: %w", entry.Name(), err)
		}

		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode revision %s: %w", entry.Name(), err)
		}
		if f.Revision == "" {
			return nil, fmt.Errorf("revision %s has no revision token", entry.Name())
		}
		for i, op := range f.Operations {
			if err := op.Validate(); err != nil {
				return nil, fmt.Errorf("revision %s operation %d: %w", entry.Name(), i, err)
			}
		}

		f.Path = path
		fmt.Sscanf(match[1], "%d", &f.Seq)
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Seq < files[j].Seq })

	if err := validateChain(files); err != nil {
		return nil, err
	}

	return files, nil
}

// validateChain checks that the files form a single linear chain rooted at
// the empty state: unique tokens, unique sequence numbers, and each parent
// pointing at the previous revision.
func validateChain(files []File) error {
	seen := make(map[string]string, len(files))
	prevSeq := -1
	prevRev := ""
	for _, f := range files {
		if other, dup := seen[f.Revision]; dup {
			return fmt.Errorf("revision token %s declared by both %s and %s", f.Revision, other, filepath.Base(f.Path))
		}
		seen[f.Revision] = filepath.Base(f.Path)

		if f.Seq == prevSeq {
			return fmt.Errorf("duplicate sequence number %04d in %s", f.Seq, filepath.Base(f.Path))
		}
		if f.Parent != prevRev {
			return fmt.Errorf("revision %s declares parent %q but the chain head is %q", f.Revision, f.Parent, prevRev)
		}
		prevSeq = f.Seq
		prevRev = f.Revision
	}
	return nil
}

// Write marshals a revision file into the directory using the next sequence
// number and a slug derived from the description. Returns the written path.
func Write(dir string, f File) (string, error) {
	existing, err := Scan(dir)
	if err != nil {
		return "", err
	}
	seq := 1
	if n := len(existing); n > 0 {
		seq = existing[n-1].Seq + 1
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode revision: %w", err)
	}

	name := fmt.Sprintf("%04d_%s.yaml", seq, slugify(f.Description))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write revision file: %w", err)
	}
	return path, nil
}

// slugify turns a description into a filename-safe slug.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune('_')
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		slug = "revision"
	}
	return slug
}
