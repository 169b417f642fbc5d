package plan

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/gymflow/migrator"
	"github.com/gymflow/migrator/schema"
)

// Planner resolves the revision directory against the applied-revision ledger
// into the exact file sequences to apply or revert. Planning is pure: it
// never touches the database beyond the ledger snapshot it is handed.
type Planner struct {
	dir string
}

// NewPlanner creates a Planner over a revision directory.
func NewPlanner(dir string) *Planner {
	return &Planner{dir: dir}
}

// Files scans and chain-validates the revision directory.
func (p *Planner) Files() ([]File, error) {
	return Scan(p.dir)
}

// Pending returns the revision files that must be applied, in order, to move
// the database from the applied head to the target revision. Target "" or
// "head" means the latest revision. A target that is already applied yields
// an empty plan and no error, which makes re-running upgrades idempotent.
func (p *Planner) Pending(applied []migrator.Revision, target string) ([]File, error) {
	files, err := p.Files()
	if err != nil {
		return nil, err
	}

	head, err := matchAppliedPrefix(applied, files)
	if err != nil {
		return nil, err
	}

	if target == "" || target == "head" {
		return files[head:], nil
	}

	for i, f := range files {
		if f.Revision == target {
			if i < head {
				return nil, nil
			}
			return files[head : i+1], nil
		}
	}
	return nil, fmt.Errorf("target %q: %w", target, migrator.ErrRevisionNotFound)
}

// Downgrade returns the applied revision files to revert, newest first.
// Target "-1" reverts one revision, "base" reverts everything, and a revision
// token reverts down to (and excluding) that revision.
func (p *Planner) Downgrade(applied []migrator.Revision, target string) ([]File, error) {
	files, err := p.Files()
	if err != nil {
		return nil, err
	}

	head, err := matchAppliedPrefix(applied, files)
	if err != nil {
		return nil, err
	}

	appliedFiles := files[:head]
	reversed := make([]File, 0, len(appliedFiles))
	for i := len(appliedFiles) - 1; i >= 0; i-- {
		reversed = append(reversed, appliedFiles[i])
	}

	switch target {
	case "-1":
		if len(reversed) == 0 {
			return nil, nil
		}
		return reversed[:1], nil
	case "base":
		return reversed, nil
	default:
		for i, f := range reversed {
			if f.Revision == target {
				return reversed[:i], nil
			}
		}
		return nil, fmt.Errorf("target %q: %w", target, migrator.ErrRevisionNotFound)
	}
}

// matchAppliedPrefix checks that the ledger content is a prefix of the file
// chain and returns the number of applied files. A ledger entry unknown to
// the directory means the operator is running against code that predates the
// database, which is never safe to plan over.
func matchAppliedPrefix(applied []migrator.Revision, files []File) (int, error) {
	if len(applied) > len(files) {
		return 0, fmt.Errorf("database has %d applied revisions but the directory holds %d", len(applied), len(files))
	}
	for i, rev := range applied {
		if files[i].Revision != rev.ID {
			return 0, fmt.Errorf("applied revision %s does not match directory revision %s at position %d", rev.ID, files[i].Revision, i)
		}
	}
	return len(applied), nil
}

// NewRevisionToken generates an opaque 12-character revision token.
func NewRevisionToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Autogenerate diffs the declared schema against the live snapshot and writes
// a new revision file chained onto the current head. Returns the written
// file. An empty diff returns a zero File and no path; ambiguous diffs fail
// with *migrator.AmbiguousDiffError from Diff.
func (p *Planner) Autogenerate(declared, live schema.Schema, description string) (File, string, error) {
	ops, err := Diff(declared, live)
	if err != nil {
		return File{}, "", err
	}
	if len(ops) == 0 {
		return File{}, "", nil
	}

	files, err := p.Files()
	if err != nil {
		return File{}, "", err
	}
	parent := ""
	if n := len(files); n > 0 {
		parent = files[n-1].Revision
	}

	f := File{
		Revision:    NewRevisionToken(),
		Parent:      parent,
		Description: description,
		Operations:  ops,
	}
	path, err := Write(p.dir, f)
	if err != nil {
		return File{}, "", err
	}
	f.Path = path
	return f, path, nil
}
