package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/uhppoted/db-to-sheets/config"
)

const (
	SHEETS = "https://www.googleapis.com/auth/spreadsheets"
	DRIVE  = "https://www.googleapis.com/auth/drive.metadata.readonly"
)

var scopes = []string{SHEETS, DRIVE}

type serviceAccountKey struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	ClientID    string `json:"client_id"`
	ClientEmail string `json:"client_email"`
}

// Client returns an HTTP client authorised for the Sheets and Drive APIs. A configured client
// secret selects the service account flow, otherwise the cached (or freshly authorised) user
// tokens are used.
func Client(ctx context.Context, c *config.Config, log *zap.Logger) (*http.Client, error) {
	var client *http.Client
	var err error

	if c.Interactive() {
		client, err = userClient(ctx, c, log, openBrowser)
	} else {
		client, err = serviceAccountClient(ctx, c, log)
	}

	if err != nil {
		return nil, err
	}

	if c.Auth.Tenant != "" {
		log.Info("Using Google Cloud quota project", zap.String("project", c.Auth.Tenant))
	} else {
		log.Warn("No quota project configured (TENANT_ID)")
	}

	return withQuotaProject(client, c.Auth.Tenant), nil
}

func serviceAccountClient(ctx context.Context, c *config.Config, log *zap.Logger) (*http.Client, error) {
	b, err := readKey(c.Auth.Secret)
	if err != nil {
		return nil, fmt.Errorf("unable to read service account key (%w)", err)
	}

	var key serviceAccountKey
	if err := json.Unmarshal(b, &key); err != nil {
		return nil, fmt.Errorf("invalid service account key (%w)", err)
	}

	if key.Type != "service_account" {
		return nil, fmt.Errorf("invalid service account key - expected type 'service_account', got '%v'", key.Type)
	}

	if key.ClientID != c.Auth.ClientID {
		log.Warn("Service account client ID does not match CLIENT_ID", zap.String("key", key.ClientID), zap.String("CLIENT_ID", c.Auth.ClientID))
	}

	jwt, err := google.JWTConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("invalid service account key (%w)", err)
	}

	log.Info("Using service account credentials", zap.String("account", key.ClientEmail))

	return jwt.Client(ctx), nil
}

func userClient(ctx context.Context, c *config.Config, log *zap.Logger, open func(string) error) (*http.Client, error) {
	cfg, err := oauthConfig(c)
	if err != nil {
		return nil, err
	}

	tokens := tokenFile(c)
	token, err := loadToken(tokens)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Ignoring unreadable token cache", zap.String("file", tokens), zap.Error(err))
	}

	if token == nil {
		log.Info("No cached credentials - starting browser authorisation")

		if token, err = authenticate(ctx, cfg, log, open); err != nil {
			return nil, fmt.Errorf("authorisation error (%w)", err)
		}

		if err := saveToken(tokens, token); err != nil {
			log.Warn("Unable to cache OAuth2 token", zap.String("file", tokens), zap.Error(err))
		}
	} else {
		log.Debug("Using cached credentials", zap.String("file", tokens))
	}

	return cfg.Client(ctx, token), nil
}

// oauthConfig loads the OAuth2 client configuration from the credentials file if it exists and
// falls back to a public client identified only by CLIENT_ID.
func oauthConfig(c *config.Config) (*oauth2.Config, error) {
	b, err := os.ReadFile(c.Auth.Credentials)
	if errors.Is(err, os.ErrNotExist) {
		return &oauth2.Config{
			ClientID: c.Auth.ClientID,
			Endpoint: google.Endpoint,
			Scopes:   scopes,
		}, nil
	} else if err != nil {
		return nil, fmt.Errorf("unable to read credentials file (%w)", err)
	}

	cfg, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials file %v (%w)", c.Auth.Credentials, err)
	}

	return cfg, nil
}

func readKey(secret string) ([]byte, error) {
	if s := strings.TrimSpace(secret); strings.HasPrefix(s, "{") {
		return []byte(s), nil
	}

	return os.ReadFile(secret)
}

func tokenFile(c *config.Config) string {
	_, file := filepath.Split(c.Auth.Credentials)
	name := strings.TrimSuffix(file, filepath.Ext(file))
	if name == "" {
		name = "credentials"
	}

	return filepath.Join(c.Auth.Workdir, ".google", fmt.Sprintf("%s.tokens", name))
}

// loadToken returns nil (and os.ErrNotExist) if there is no cached token.
func loadToken(file string) (*oauth2.Token, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	token := oauth2.Token{}
	if err := json.Unmarshal(b, &token); err != nil {
		return nil, err
	}

	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("no access or refresh token in %v", file)
	}

	return &token, nil
}

func saveToken(file string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(file, b, 0600)
}

type quotaProject struct {
	project string
	base    http.RoundTripper
}

func (q quotaProject) RoundTrip(rq *http.Request) (*http.Response, error) {
	r := rq.Clone(rq.Context())
	r.Header.Set("X-Goog-User-Project", q.project)

	return q.base.RoundTrip(r)
}

// withQuotaProject bills every request made through client to the given project.
func withQuotaProject(client *http.Client, project string) *http.Client {
	if project == "" {
		return client
	}

	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	return &http.Client{
		Transport:     quotaProject{project: project, base: base},
		CheckRedirect: client.CheckRedirect,
		Jar:           client.Jar,
		Timeout:       client.Timeout,
	}
}
