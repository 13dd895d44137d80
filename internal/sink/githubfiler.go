package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v63/github"

	"github.com/mattjoyce/dispatch/internal/log"
)

// GitHubFiler files Reports as GitHub issues under a configured repository,
// resolving a milestone title against the repository's milestone list
// (supplemented from the original CLI's github.rs: an unresolved or unset
// milestone is not an error, it is simply omitted).
type GitHubFiler struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubFiler builds a GitHubFiler over an already-authenticated client.
func NewGitHubFiler(client *github.Client, owner, repo string) *GitHubFiler {
	return &GitHubFiler{client: client, owner: owner, repo: repo}
}

// File implements Filer.
func (f *GitHubFiler) File(ctx context.Context, report Report) error {
	req := &github.IssueRequest{
		Title:  github.String(report.Title),
		Body:   github.String(report.Body),
		Labels: &report.Labels,
	}

	if report.Milestone != "" {
		if num, ok, err := f.resolveMilestone(ctx, report.Milestone); err != nil {
			return classifyError(err)
		} else if ok {
			req.Milestone = github.Int(num)
		} else {
			log.WithComponent("sink").Warn("milestone not found, filing without it", "milestone", report.Milestone)
		}
	}

	_, resp, err := f.client.Issues.Create(ctx, f.owner, f.repo, req)
	if err != nil {
		return classifyErrorWithResponse(err, resp)
	}
	return nil
}

// resolveMilestone looks up a milestone by title across all pages of the
// repository's milestone list (open and closed).
func (f *GitHubFiler) resolveMilestone(ctx context.Context, title string) (int, bool, error) {
	opts := &github.MilestoneListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		milestones, resp, err := f.client.Issues.ListMilestones(ctx, f.owner, f.repo, opts)
		if err != nil {
			return 0, false, err
		}
		for _, m := range milestones {
			if m.GetTitle() == title {
				return m.GetNumber(), true, nil
			}
		}
		if resp.NextPage == 0 {
			return 0, false, nil
		}
		opts.Page = resp.NextPage
	}
}

// classifyError wraps err as retryable when it looks like a transport
// failure (no distinguishable HTTP status, e.g. a DNS or connection error)
// or carries a 5xx/429 status; any other 4xx is terminal.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		status := ghErr.Response.StatusCode
		if status != http.StatusTooManyRequests && status < 500 {
			return fmt.Errorf("sink: github milestone lookup rejected (%d): %w", status, err)
		}
	}
	return &RetryableError{Err: err}
}

// classifyErrorWithResponse applies spec.md §4.9's retry policy: transport
// errors and 5xx/429 are retryable, any other 4xx is terminal.
func classifyErrorWithResponse(err error, resp *github.Response) error {
	if resp == nil || resp.Response == nil {
		return &RetryableError{Err: err}
	}
	status := resp.StatusCode
	if status == http.StatusTooManyRequests || status >= 500 {
		return &RetryableError{Err: err}
	}
	return fmt.Errorf("sink: github issue create rejected (%d): %w", status, err)
}
