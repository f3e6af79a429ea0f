package configrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/go-github/v66/github"
)

// ErrInvalidBlobURL is returned for URLs that are not GitHub file blob URLs.
var ErrInvalidBlobURL = errors.New("configrepo: invalid blob url")

// Location addresses one file on one branch of a GitHub repository.
type Location struct {
	Owner  string
	Repo   string
	Branch string
	Path   string
}

// ParseBlobURL splits a browser URL of the form
// https://github.com/<owner>/<repo>/blob/<branch>/<dir>/.../<file>.
// Branch names may contain slashes, so dirName marks where the branch ends
// and the file path begins.
func ParseBlobURL(raw, dirName string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidBlobURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 5 || parts[2] != "blob" {
		return Location{}, fmt.Errorf("%w: %s", ErrInvalidBlobURL, raw)
	}

	dir := -1
	for i := 4; i < len(parts)-1; i++ {
		if parts[i] == dirName {
			dir = i
			break
		}
	}
	if dir < 0 {
		return Location{}, fmt.Errorf("%w: directory %q not found in %s", ErrInvalidBlobURL, dirName, raw)
	}

	return Location{
		Owner:  parts[0],
		Repo:   parts[1],
		Branch: strings.Join(parts[3:dir], "/"),
		Path:   strings.Join(parts[dir:], "/"),
	}, nil
}

// GitHubRepository stores the values document in a GitHub repository via the
// contents API. Each push is one commit on the configured branch.
type GitHubRepository struct {
	client *github.Client
	loc    Location
	logger *slog.Logger
}

// NewGitHubClient returns a GitHub API client authenticated with token.
func NewGitHubClient(token string) *github.Client {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return client
}

// NewGitHubRepository returns a repository for the file at loc.
func NewGitHubRepository(client *github.Client, loc Location, logger *slog.Logger) *GitHubRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubRepository{client: client, loc: loc, logger: logger}
}

// Fetch implements Repository.
func (g *GitHubRepository) Fetch(ctx context.Context) (Document, error) {
	g.logger.Debug("fetching values", "repo", g.loc.Owner+"/"+g.loc.Repo, "branch", g.loc.Branch, "path", g.loc.Path)

	file, _, _, err := g.client.Repositories.GetContents(ctx, g.loc.Owner, g.loc.Repo, g.loc.Path,
		&github.RepositoryContentGetOptions{Ref: g.loc.Branch})
	if err != nil {
		return Document{}, fmt.Errorf("failed to get contents of %s: %w", g.loc.Path, err)
	}
	if file == nil {
		return Document{}, fmt.Errorf("%s is a directory", g.loc.Path)
	}
	content, err := file.GetContent()
	if err != nil {
		return Document{}, fmt.Errorf("failed to decode %s: %w", g.loc.Path, err)
	}

	return Document{Path: g.loc.Path, SHA: file.GetSHA(), Content: []byte(content)}, nil
}

// Push implements Repository.
func (g *GitHubRepository) Push(ctx context.Context, doc Document, message string) error {
	resp, _, err := g.client.Repositories.UpdateFile(ctx, g.loc.Owner, g.loc.Repo, doc.Path,
		&github.RepositoryContentFileOptions{
			Message: github.String(message),
			Content: doc.Content,
			SHA:     github.String(doc.SHA),
			Branch:  github.String(g.loc.Branch),
		})
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", doc.Path, err)
	}

	var commit string
	if resp != nil {
		commit = resp.Commit.GetSHA()
	}
	g.logger.Info("committed values",
		"repo", g.loc.Owner+"/"+g.loc.Repo,
		"branch", g.loc.Branch,
		"path", doc.Path,
		"commit", commit,
	)
	return nil
}
