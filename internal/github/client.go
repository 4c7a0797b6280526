package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"ghbackup/pkg/models"
)

const (
	DefaultBaseURL   = "https://api.github.com"
	DefaultUserAgent = "ghbackup"

	acceptJSON = "application/vnd.github.v3+json"
	acceptRaw  = "application/vnd.github.v3.raw"

	// The zipball endpoint redirects to a content host; follow a bounded
	// number of hops.
	maxRedirects = 5

	perPage = 100
)

/*
Client is a thin authenticated GET/PUT/DELETE layer over the GitHub REST API.
No business logic and no retries live here - the orchestrator owns retry
policy. Every request carries the credential as an Authorization header when
non-empty, plus a fixed User-Agent.
*/
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

func NewClient(baseURL, userAgent string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Client{
		baseURL:   baseURL,
		userAgent: userAgent,
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

func (c *Client) newRequest(ctx context.Context, method, url, accept, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "token "+token)
	}
	return req, nil
}

// getJSON performs one GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, url, token string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, url, acceptJSON, token, nil)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{URL: url, Err: err}
	}
	return nil
}

// ListBranches fetches every branch of the repository, following pagination
// until a page comes back empty. Any failure returns no partial data.
func (c *Client) ListBranches(ctx context.Context, repoFullName, token string) ([]models.Branch, error) {
	var all []models.Branch
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/branches?per_page=%d&page=%d", c.baseURL, repoFullName, perPage, page)

		var batch []models.Branch
		if err := c.getJSON(ctx, url, token, &batch); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}
	return all, nil
}

// DownloadArchive streams the branch zipball straight to destinationPath,
// overwriting any existing file. The body is never buffered in memory. A
// destination that cannot be opened or written surfaces as *IOError, distinct
// from network and HTTP failures.
func (c *Client) DownloadArchive(ctx context.Context, repoFullName, branchName, token, destinationPath string) error {
	url := fmt.Sprintf("%s/repos/%s/zipball/%s", c.baseURL, repoFullName, branchName)

	req, err := c.newRequest(ctx, http.MethodGet, url, acceptRaw, token, nil)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}

	f, err := os.Create(destinationPath)
	if err != nil {
		return &IOError{Path: destinationPath, Err: err}
	}

	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()

	if copyErr != nil {
		var pathErr *os.PathError
		if errors.As(copyErr, &pathErr) {
			return &IOError{Path: destinationPath, Err: copyErr}
		}
		return &NetworkError{URL: url, Err: copyErr}
	}
	if closeErr != nil {
		return &IOError{Path: destinationPath, Err: closeErr}
	}

	log.Debug().Str("url", url).Str("dest", destinationPath).Msg("archive downloaded")
	return nil
}

// ListUserRepos lists the repositories visible to the token's user, both
// public and private.
func (c *Client) ListUserRepos(ctx context.Context, token string) ([]models.Repository, error) {
	return c.listRepos(ctx, c.baseURL+"/user/repos", token)
}

// ListOrgRepos lists an organization's repositories.
func (c *Client) ListOrgRepos(ctx context.Context, org, token string) ([]models.Repository, error) {
	return c.listRepos(ctx, fmt.Sprintf("%s/orgs/%s/repos", c.baseURL, org), token)
}

func (c *Client) listRepos(ctx context.Context, base, token string) ([]models.Repository, error) {
	var all []models.Repository
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s?per_page=%d&page=%d", base, perPage, page)

		var batch []models.Repository
		if err := c.getJSON(ctx, url, token, &batch); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}
	return all, nil
}

func (c *Client) ListCollaborators(ctx context.Context, repoFullName, token string) ([]models.Collaborator, error) {
	var all []models.Collaborator
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/collaborators?per_page=%d&page=%d", c.baseURL, repoFullName, perPage, page)

		var batch []models.Collaborator
		if err := c.getJSON(ctx, url, token, &batch); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}
	return all, nil
}

// UpdateCollaborator sets a collaborator's permission on a repository. The
// API answers 201 when an invitation is created and 204 when the permission
// is changed in place.
func (c *Client) UpdateCollaborator(ctx context.Context, repoFullName, username, permission, token string) error {
	url := fmt.Sprintf("%s/repos/%s/collaborators/%s", c.baseURL, repoFullName, username)

	payload, err := json.Marshal(map[string]string{"permission": permission})
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPut, url, acceptJSON, token, bytes.NewReader(payload))
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}

// RemoveCollaborator removes a collaborator from a repository. A 404 means
// the collaborator was not there to begin with, which counts as removed.
func (c *Client) RemoveCollaborator(ctx context.Context, repoFullName, username, token string) error {
	url := fmt.Sprintf("%s/repos/%s/collaborators/%s", c.baseURL, repoFullName, username)

	req, err := c.newRequest(ctx, http.MethodDelete, url, acceptJSON, token, nil)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		log.Debug().Str("url", url).Msg("collaborator not found, considered removed")
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 204 {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
