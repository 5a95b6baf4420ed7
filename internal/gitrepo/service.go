// Package gitrepo resolves branches from local repository mirrors. Mirrors
// are kept up to date by an external sync job; this service only reads them.
package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var ErrRepoNotMirrored = errors.New("repository mirror not found")

type Service struct {
	baseDir string
}

func New(baseDir string) *Service {
	return &Service{baseDir: baseDir}
}

// repoPath maps "owner/name" onto a directory under baseDir. The repo name is
// validated against path traversal before use.
func (s *Service) repoPath(repo string) (string, error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("malformed repository name %q", repo)
	}
	for _, part := range parts {
		if part == "." || part == ".." || strings.ContainsAny(part, `\:`) {
			return "", fmt.Errorf("malformed repository name %q", repo)
		}
	}
	return filepath.Join(s.baseDir, parts[0], parts[1]+".git"), nil
}

func (s *Service) open(repo string) (*git.Repository, error) {
	path, err := s.repoPath(repo)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, ErrRepoNotMirrored
	} else if err != nil {
		return nil, fmt.Errorf("stat mirror: %w", err)
	}
	opened, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	return opened, nil
}

// Branches lists the branch names of the mirror, sorted.
func (s *Service) Branches(repo string) ([]string, error) {
	opened, err := s.open(repo)
	if err != nil {
		return nil, err
	}

	iter, err := opened.Branches()
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer iter.Close()

	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Service) BranchExists(repo, branch string) (bool, error) {
	opened, err := s.open(repo)
	if err != nil {
		return false, err
	}
	_, err = opened.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return true, nil
}

// DefaultBranch reads HEAD of the mirror; "main" if HEAD is unborn.
func (s *Service) DefaultBranch(repo string) (string, error) {
	opened, err := s.open(repo)
	if err != nil {
		return "", err
	}
	head, err := opened.Reference(plumbing.HEAD, false)
	if err != nil || !head.Target().IsBranch() {
		return "main", nil
	}
	return head.Target().Short(), nil
}
