package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/wesm/threadsync/internal/models"
	"golang.org/x/oauth2"
)

// commentsPerPage is the page size used when locating the last comment.
const commentsPerPage = 100

// GitHubClient represents a client for the GitHub API
type GitHubClient struct {
	client  *github.Client
	graphql *GraphQLClient
}

// NewGitHubClient creates a new GitHub API client
func NewGitHubClient(token string) *GitHubClient {
	var tc *http.Client

	if token != "" {
		// Create an authenticated client if a token is provided
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc = oauth2.NewClient(context.Background(), ts)
	}

	client := github.NewClient(tc)
	return &GitHubClient{client: client, graphql: newGraphQLClient(tc)}
}

// NewGitHubClientWithBaseURL creates a client against a custom API root,
// such as GitHub Enterprise or a test server. The GraphQL endpoint is
// baseURL + "graphql".
func NewGitHubClientWithBaseURL(httpClient *http.Client, baseURL string) (*GitHubClient, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}

	client := github.NewClient(httpClient)
	client.BaseURL = parsed
	return &GitHubClient{
		client:  client,
		graphql: newGraphQLEnterpriseClient(baseURL+"graphql", httpClient),
	}, nil
}

// GetIssue gets an issue by number
func (c *GitHubClient) GetIssue(ctx context.Context, repo models.RepoRef, number int) (*models.Issue, error) {
	issue, _, err := c.client.Issues.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s#%d: %w", repo, number, wrapError(err))
	}
	return ConvertGitHubIssue(issue), nil
}

// CreateIssue opens a new issue
func (c *GitHubClient) CreateIssue(ctx context.Context, repo models.RepoRef, title, body string, labels []string) (*models.Issue, error) {
	request := &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(body),
	}
	if len(labels) > 0 {
		request.Labels = &labels
	}

	issue, _, err := c.client.Issues.Create(ctx, repo.Owner, repo.Name, request)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue in %s: %w", repo, wrapError(err))
	}
	return ConvertGitHubIssue(issue), nil
}

// SetIssueState opens or closes an issue. state is "open" or "closed".
func (c *GitHubClient) SetIssueState(ctx context.Context, repo models.RepoRef, number int, state string) error {
	_, _, err := c.client.Issues.Edit(ctx, repo.Owner, repo.Name, number, &github.IssueRequest{
		State: github.String(state),
	})
	if err != nil {
		return fmt.Errorf("failed to set issue %s#%d %s: %w", repo, number, state, wrapError(err))
	}
	return nil
}

// AddLabels adds labels to an issue
func (c *GitHubClient) AddLabels(ctx context.Context, repo models.RepoRef, number int, labels ...string) error {
	_, _, err := c.client.Issues.AddLabelsToIssue(ctx, repo.Owner, repo.Name, number, labels)
	if err != nil {
		return fmt.Errorf("failed to add labels to %s#%d: %w", repo, number, wrapError(err))
	}
	return nil
}

// RemoveLabel removes a label from an issue
func (c *GitHubClient) RemoveLabel(ctx context.Context, repo models.RepoRef, number int, label string) error {
	_, err := c.client.Issues.RemoveLabelForIssue(ctx, repo.Owner, repo.Name, number, label)
	if err != nil {
		return fmt.Errorf("failed to remove label %q from %s#%d: %w", label, repo, number, wrapError(err))
	}
	return nil
}

// GetLabel gets a repository label by exact name
func (c *GitHubClient) GetLabel(ctx context.Context, repo models.RepoRef, name string) (*models.Label, error) {
	label, _, err := c.client.Issues.GetLabel(ctx, repo.Owner, repo.Name, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get label %q in %s: %w", name, repo, wrapError(err))
	}
	return ConvertGitHubLabel(label), nil
}

// CreateLabel creates a repository label
func (c *GitHubClient) CreateLabel(ctx context.Context, repo models.RepoRef, name, color string) (*models.Label, error) {
	label, _, err := c.client.Issues.CreateLabel(ctx, repo.Owner, repo.Name, &github.Label{
		Name:  github.String(name),
		Color: github.String(color),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create label %q in %s: %w", name, repo, wrapError(err))
	}
	return ConvertGitHubLabel(label), nil
}

// CreateComment adds a comment to an issue
func (c *GitHubClient) CreateComment(ctx context.Context, repo models.RepoRef, number int, body string) (*models.Comment, error) {
	comment, _, err := c.client.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to comment on %s#%d: %w", repo, number, wrapError(err))
	}
	return ConvertGitHubComment(comment), nil
}

// EditComment replaces the body of a comment
func (c *GitHubClient) EditComment(ctx context.Context, repo models.RepoRef, commentID int64, body string) (*models.Comment, error) {
	comment, _, err := c.client.Issues.EditComment(ctx, repo.Owner, repo.Name, commentID, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to edit comment %d in %s: %w", commentID, repo, wrapError(err))
	}
	return ConvertGitHubComment(comment), nil
}

// LastComment returns the most recent comment on an issue, or nil if
// it has none. The issue's comment count selects the last page so only
// one page of comments is fetched.
func (c *GitHubClient) LastComment(ctx context.Context, repo models.RepoRef, number int) (*models.Comment, error) {
	issue, _, err := c.client.Issues.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s#%d: %w", repo, number, wrapError(err))
	}

	total := issue.GetComments()
	if total == 0 {
		return nil, nil
	}

	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{
			PerPage: commentsPerPage,
			Page:    (total + commentsPerPage - 1) / commentsPerPage,
		},
	}
	comments, _, err := c.client.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", wrapError(err))
	}
	if len(comments) == 0 {
		return nil, nil
	}
	return ConvertGitHubComment(comments[len(comments)-1]), nil
}

// AuthenticatedLogin returns the login the client's token acts as.
// Installation tokens cannot name a user and return an error.
func (c *GitHubClient) AuthenticatedLogin(ctx context.Context) (string, error) {
	user, _, err := c.client.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("failed to get authenticated user: %w", wrapError(err))
	}
	return user.GetLogin(), nil
}

// IssueTitle looks up an issue's title through the GraphQL API
func (c *GitHubClient) IssueTitle(ctx context.Context, repo models.RepoRef, number int) (string, error) {
	return c.graphql.IssueTitle(ctx, repo, number)
}

// ListInstallationRepos lists every repository the installation can access
func (c *GitHubClient) ListInstallationRepos(ctx context.Context) ([]models.RepoRef, error) {
	var repos []models.RepoRef
	opts := &github.ListOptions{PerPage: 100}

	for {
		page, resp, err := c.client.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list installation repositories: %w", wrapError(err))
		}

		for _, repo := range page.Repositories {
			repos = append(repos, models.RepoRef{Owner: repo.GetOwner().GetLogin(), Name: repo.GetName()})
		}

		if resp.NextPage == 0 || len(page.Repositories) == 0 || len(repos) >= page.GetTotalCount() {
			break
		}
		opts.Page = resp.NextPage
	}

	return repos, nil
}

// ConvertGitHubIssue converts a GitHub issue to our model
func ConvertGitHubIssue(issue *github.Issue) *models.Issue {
	if issue == nil {
		return nil
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labels = append(labels, label.GetName())
	}

	assignees := make([]string, 0, len(issue.Assignees))
	for _, assignee := range issue.Assignees {
		assignees = append(assignees, assignee.GetLogin())
	}

	return &models.Issue{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		HTMLURL:   issue.GetHTMLURL(),
		Author:    issue.GetUser().GetLogin(),
		Labels:    labels,
		Comments:  issue.GetComments(),
		Milestone: issue.GetMilestone().GetTitle(),
		Assignees: assignees,
	}
}

// ConvertGitHubComment converts a GitHub comment to our model
func ConvertGitHubComment(comment *github.IssueComment) *models.Comment {
	if comment == nil {
		return nil
	}

	return &models.Comment{
		ID:      comment.GetID(),
		Body:    comment.GetBody(),
		Author:  comment.GetUser().GetLogin(),
		HTMLURL: comment.GetHTMLURL(),
	}
}

// ConvertGitHubLabel converts a GitHub label to our model
func ConvertGitHubLabel(label *github.Label) *models.Label {
	return &models.Label{
		Name:  label.GetName(),
		Color: label.GetColor(),
	}
}
