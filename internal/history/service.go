// Package history keeps a per-match git repository of model revisions.
// Each match owns one repo under the base dir with a single tracked file,
// model.json, committed on main whenever the model changes.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const modelFile = "model.json"

// ErrBadMatchID rejects match ids that cannot name a repository directory.
// Ids come straight from the request path, so anything that could traverse
// out of the base dir is refused before the filesystem is touched.
var ErrBadMatchID = errors.New("match id is not a valid repository name")

func validMatchID(matchID string) bool {
	return matchID != "" && !strings.ContainsAny(matchID, "/\\.")
}

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitModel writes the model JSON to the match repo and commits it on
// main, initializing the repo on first use. The model is stored
// pretty-printed so revision diffs stay readable.
func (s *Service) CommitModel(matchID string, model json.RawMessage, author, message string) (Revision, error) {
	if !validMatchID(matchID) {
		return Revision{}, ErrBadMatchID
	}
	lock := s.matchLock(matchID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureMatchRepo(matchID)
	if err != nil {
		return Revision{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := prettyModel(model)
	if err != nil {
		return Revision{}, err
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), modelFile), payload, 0o644); err != nil {
		return Revision{}, fmt.Errorf("write model.json: %w", err)
	}
	if _, err := worktree.Add(modelFile); err != nil {
		return Revision{}, fmt.Errorf("git add model: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.threatdeck.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Revision{}, fmt.Errorf("commit model: %w", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return Revision{}, fmt.Errorf("set main branch ref: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// Revisions lists commits on main, newest first. limit <= 0 means all.
func (s *Service) Revisions(matchID string, limit int) ([]Revision, error) {
	if !validMatchID(matchID) {
		return nil, ErrBadMatchID
	}
	lock := s.matchLock(matchID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(matchID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []Revision{}, nil
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ModelAt retrieves the model JSON as of a revision. Short hashes are
// resolved against the repo.
func (s *Service) ModelAt(matchID, hash string) (json.RawMessage, error) {
	if !validMatchID(matchID) {
		return nil, ErrBadMatchID
	}
	lock := s.matchLock(matchID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(matchID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}

	file, err := commitObj.File(modelFile)
	if err != nil {
		return nil, fmt.Errorf("load model.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open model reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read model bytes: %w", err)
	}
	return json.RawMessage(raw), nil
}

func (s *Service) ensureMatchRepo(matchID string) (*git.Repository, error) {
	path := s.repoPath(matchID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(matchID string) string {
	return filepath.Join(s.baseDir, matchID)
}

func (s *Service) matchLock(matchID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[matchID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[matchID] = lock
	return lock
}

func prettyModel(model json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, model, "", "  "); err != nil {
		return nil, fmt.Errorf("indent model: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "player"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
