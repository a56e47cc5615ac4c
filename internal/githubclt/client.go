// Package githubclt provides the GitHub API clients of magic-mirror.
//
// The AppClient authenticates as the GitHub App itself and is used to
// enumerate installations. Per installation a short-lived token is issued
// and wrapped in an InstallationClient, which provides the REST and GraphQL
// operations the sync engine needs.
package githubclt

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v60/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/stolostron/magic-mirror/internal/logfields"
	"github.com/stolostron/magic-mirror/internal/mirrorerr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// appJWTLifetime is the validity of the JWTs used to authenticate as the
// GitHub App. GitHub allows at most 10 minutes.
const appJWTLifetime = 9 * time.Minute

// Installation is a GitHub App installation on an organization or user
// account.
type Installation struct {
	ID    int64
	Owner string
}

// AppClient authenticates as a GitHub App.
type AppClient struct {
	appID      int64
	privateKey *rsa.PrivateKey
	restClt    *github.Client
	logger     *zap.Logger
}

// NewAppClient returns a client that authenticates as the GitHub App with
// the given PEM-encoded RSA private key.
func NewAppClient(appID int64, privateKeyPEM []byte) (*AppClient, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing app private key failed: %w", err)
	}

	clt := AppClient{
		appID:      appID,
		privateKey: key,
		logger:     zap.L().Named(loggerName),
	}

	httpClient := &http.Client{
		Timeout:   DefaultHTTPClientTimeout,
		Transport: &appJWTTransport{app: &clt},
	}
	clt.restClt = github.NewClient(httpClient)

	return &clt, nil
}

func (clt *AppClient) signedJWT() (string, error) {
	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		// 60s clock-drift allowance, per GitHub's app auth docs
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
		Issuer:    strconv.FormatInt(clt.appID, 10),
	})

	return token.SignedString(clt.privateKey)
}

type appJWTTransport struct {
	app *AppClient
}

func (t *appJWTTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.app.signedJWT()
	if err != nil {
		return nil, fmt.Errorf("signing app JWT failed: %w", err)
	}

	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token)

	return http.DefaultTransport.RoundTrip(req)
}

// ListInstallations returns all installations of the GitHub App.
func (clt *AppClient) ListInstallations(ctx context.Context) ([]*Installation, error) {
	var result []*Installation

	opts := github.ListOptions{PerPage: 100}
	for {
		installations, resp, err := clt.restClt.Apps.ListInstallations(ctx, &opts)
		if err != nil {
			return nil, wrapRetryableErrors(clt.logger, err)
		}

		for _, installation := range installations {
			result = append(result, &Installation{
				ID:    installation.GetID(),
				Owner: installation.GetAccount().GetLogin(),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

// InstallationClient issues a short-lived installation token and returns a
// client that authenticates with it.
func (clt *AppClient) InstallationClient(ctx context.Context, installationID int64) (*InstallationClient, error) {
	token, _, err := clt.restClt.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return nil, wrapRetryableErrors(clt.logger, fmt.Errorf("creating installation token failed: %w", err))
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.GetToken()})
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = DefaultHTTPClientTimeout

	return &InstallationClient{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		token:      token.GetToken(),
		logger:     clt.logger.With(zap.Int64("github.installation_id", installationID)),
	}, nil
}

// InstallationClient is a GitHub API client scoped to one App installation.
// Methods return a mirrorerr.RetryableError when an operation failed
// temporarily, e.g. because the API rate limit is exceeded.
type InstallationClient struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	token      string
	logger     *zap.Logger
}

// Token returns the short-lived installation token.
// It is embedded into clone URLs for git operations on the installation's
// repositories.
func (clt *InstallationClient) Token() string {
	return clt.token
}

// ListInstallationRepositories returns the names of the repositories the
// installation has access to.
func (clt *InstallationClient) ListInstallationRepositories(ctx context.Context) ([]string, error) {
	var result []string

	opts := github.ListOptions{PerPage: 100}
	for {
		repos, resp, err := clt.restClt.Apps.ListRepos(ctx, &opts)
		if err != nil {
			return nil, wrapRetryableErrors(clt.logger, err)
		}

		for _, repo := range repos.Repositories {
			result = append(result, repo.GetName())
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

// ListOrgRepositories returns the names of the public repositories of the
// organization.
// When the account is a user instead of an organization, the user repository
// listing is used as fallback.
func (clt *InstallationClient) ListOrgRepositories(ctx context.Context, org string) ([]string, error) {
	var result []string

	opts := github.RepositoryListByOrgOptions{
		Type:        "public",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		repos, resp, err := clt.restClt.Repositories.ListByOrg(ctx, org, &opts)
		if err != nil {
			if isNotFound(err) {
				return clt.listUserRepositories(ctx, org)
			}

			return nil, wrapRetryableErrors(clt.logger, err)
		}

		for _, repo := range repos {
			result = append(result, repo.GetName())
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

func (clt *InstallationClient) listUserRepositories(ctx context.Context, user string) ([]string, error) {
	var result []string

	opts := github.RepositoryListByUserOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		repos, resp, err := clt.restClt.Repositories.ListByUser(ctx, user, &opts)
		if err != nil {
			return nil, wrapRetryableErrors(clt.logger, err)
		}

		for _, repo := range repos {
			result = append(result, repo.GetName())
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

func isNotFound(err error) bool {
	var respErr *github.ErrorResponse
	return errors.As(err, &respErr) && respErr.Response != nil &&
		respErr.Response.StatusCode == http.StatusNotFound
}

func wrapRetryableErrors(logger *zap.Logger, err error) error {
	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", rateLimitErr.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", rateLimitErr.Rate.Reset.Time),
		)

		return mirrorerr.NewRetryableError(err, rateLimitErr.Rate.Reset.Time)
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		if respErr.Response.StatusCode >= 500 && respErr.Response.StatusCode < 600 {
			return mirrorerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func wrapGraphQLRetryableErrors(logger *zap.Logger, err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return mirrorerr.NewRetryableAnytimeError(err)
	}

	return err
}
