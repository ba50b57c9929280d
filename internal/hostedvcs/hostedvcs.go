// Package hostedvcs is the hosted-VCS client (C6): pull requests and
// reviews against a GitHub-shaped remote, via go-github over an
// oauth2-authenticated HTTP client.
package hostedvcs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v58/github"
	"golang.org/x/oauth2"
)

// Client wraps a go-github client scoped to a single owner/repo pair
// at call time (the engine resolves owner/repo per task from the
// repository registry).
type Client struct {
	gh *github.Client
}

// New builds a Client authenticated with a personal access token against
// github.com.
func New(ctx context.Context, token string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	return &Client{gh: github.NewClient(httpClient)}
}

// NewEnterprise builds a Client against a GitHub Enterprise instance,
// or any API endpoint presenting the same REST surface (a stand-in
// server in tests, for instance).
func NewEnterprise(ctx context.Context, token, baseURL string) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	gh, err := github.NewClient(httpClient).WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("configure enterprise client: %w", err)
	}
	return &Client{gh: gh}, nil
}

// PullRequest is the subset of GitHub's PR fields the engine persists.
type PullRequest struct {
	Number int
	URL    string
	Title  string
	State  string
	Head   string
	Merged bool
}

// Review is one submitted review on a PR.
type Review struct {
	ID          int64
	User        string
	State       string // APPROVED, CHANGES_REQUESTED, COMMENTED, PENDING
	Body        string
	SubmittedAt time.Time
}

// ReviewComment is an inline comment attached to a review.
type ReviewComment struct {
	ID          int64
	Path        string
	Line        int
	Body        string
	User        string
	ReviewID    int64
	InReplyToID int64
}

// GetDefaultBranch returns the repository's default branch. The engine
// falls back to the baseBranch setting when this call fails or returns
// an empty name.
func (c *Client) GetDefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("get repository %s/%s: %w", owner, repo, err)
	}
	return r.GetDefaultBranch(), nil
}

// CreatePR opens a pull request from head into base.
func (c *Client) CreatePR(ctx context.Context, owner, repo, title, body, head, base string) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(title),
		Body:  github.String(body),
		Head:  github.String(head),
		Base:  github.String(base),
	})
	if err != nil {
		return nil, fmt.Errorf("create PR %s/%s %s->%s: %w", owner, repo, head, base, err)
	}
	return toPullRequest(pr), nil
}

// FindPRByBranch looks up the open PR whose head is branch, if any.
func (c *Client) FindPRByBranch(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State: "open",
		Head:  fmt.Sprintf("%s:%s", owner, branch),
	})
	if err != nil {
		return nil, fmt.Errorf("list PRs for branch %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return toPullRequest(prs[0]), nil
}

// GetPR fetches a single PR by number.
func (c *Client) GetPR(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("get PR %s/%s#%d: %w", owner, repo, number, err)
	}
	return toPullRequest(pr), nil
}

// ListReviews returns every review submitted on a PR, newest last.
func (c *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]Review, error) {
	reviews, _, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, nil)
	if err != nil {
		return nil, fmt.Errorf("list reviews %s/%s#%d: %w", owner, repo, number, err)
	}
	out := make([]Review, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, Review{
			ID:          r.GetID(),
			User:        r.GetUser().GetLogin(),
			State:       r.GetState(),
			Body:        r.GetBody(),
			SubmittedAt: r.GetSubmittedAt().Time,
		})
	}
	return out, nil
}

// ListReviewComments returns every inline review comment on a PR.
func (c *Client) ListReviewComments(ctx context.Context, owner, repo string, number int) ([]ReviewComment, error) {
	comments, _, err := c.gh.PullRequests.ListComments(ctx, owner, repo, number, nil)
	if err != nil {
		return nil, fmt.Errorf("list review comments %s/%s#%d: %w", owner, repo, number, err)
	}
	out := make([]ReviewComment, 0, len(comments))
	for _, cm := range comments {
		out = append(out, ReviewComment{
			ID:          cm.GetID(),
			Path:        cm.GetPath(),
			Line:        cm.GetLine(),
			Body:        cm.GetBody(),
			User:        cm.GetUser().GetLogin(),
			ReviewID:    cm.GetPullRequestReviewID(),
			InReplyToID: cm.GetInReplyTo(),
		})
	}
	return out, nil
}

func toPullRequest(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Title:  pr.GetTitle(),
		State:  pr.GetState(),
		Head:   pr.GetHead().GetRef(),
		Merged: pr.GetMerged(),
	}
}
