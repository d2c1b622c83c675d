package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shurcooL/githubv4"
	"github.com/wesm/threadsync/internal/models"
)

// GraphQLClient represents a client for the GitHub GraphQL API
type GraphQLClient struct {
	client *githubv4.Client
}

func newGraphQLClient(httpClient *http.Client) *GraphQLClient {
	return &GraphQLClient{client: githubv4.NewClient(httpClient)}
}

func newGraphQLEnterpriseClient(endpoint string, httpClient *http.Client) *GraphQLClient {
	return &GraphQLClient{client: githubv4.NewEnterpriseClient(endpoint, httpClient)}
}

// issueTitleQuery fetches a single issue's title
type issueTitleQuery struct {
	Repository struct {
		Issue struct {
			Title githubv4.String
		} `graphql:"issue(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// IssueTitle returns the title of an issue
func (c *GraphQLClient) IssueTitle(ctx context.Context, repo models.RepoRef, number int) (string, error) {
	var query issueTitleQuery
	variables := map[string]interface{}{
		"owner":  githubv4.String(repo.Owner),
		"name":   githubv4.String(repo.Name),
		"number": githubv4.Int(number), //nolint:gosec // issue numbers fit in int32
	}

	if err := c.client.Query(ctx, &query, variables); err != nil {
		return "", fmt.Errorf("failed to query issue title for %s#%d: %w", repo, number, err)
	}
	return string(query.Repository.Issue.Title), nil
}
