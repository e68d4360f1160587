package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/uhppoted/db-to-sheets/config"
)

var AuthoriseCmd = Authorise{
	open: openBrowser,
}

// Authorise runs the browser authorisation flow on its own and caches the resulting tokens for
// subsequent unattended runs.
type Authorise struct {
	open func(string) error
}

func (cmd *Authorise) Name() string {
	return "authorise"
}

func (cmd *Authorise) Description() string {
	return "Authorises db-to-sheets to access Google Sheets and Google Drive"
}

func (cmd *Authorise) Execute(ctx context.Context, c *config.Config, log *zap.Logger) error {
	if strings.TrimSpace(c.Auth.ClientID) == "" {
		if _, err := os.Stat(c.Auth.Credentials); err != nil {
			return fmt.Errorf("CLIENT_ID or a credentials file is required")
		}
	}

	if !c.Interactive() {
		log.Warn("CLIENT_SECRET is set - cached user credentials will not be used until it is cleared")
	}

	cfg, err := oauthConfig(c)
	if err != nil {
		return err
	}

	token, err := authenticate(ctx, cfg, log, cmd.open)
	if err != nil {
		return fmt.Errorf("authorisation error (%w)", err)
	}

	tokens := tokenFile(c)
	if err := saveToken(tokens, token); err != nil {
		return fmt.Errorf("unable to cache OAuth2 token (%w)", err)
	}

	log.Info("Authorised", zap.String("tokens", tokens))

	return nil
}

// authenticate starts a loopback HTTP server, sends the user to the Google consent page and waits
// for the authorisation code to be delivered to the callback.
func authenticate(ctx context.Context, cfg *oauth2.Config, log *zap.Logger, open func(string) error) (*oauth2.Token, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("unable to start authorisation callback server (%w)", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	local := fmt.Sprintf("http://127.0.0.1:%d", port)

	conf := *cfg
	conf.RedirectURL = local + "/callback"

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	consent := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	codes := make(chan string, 1)
	errs := make(chan error, 1)

	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, rq *http.Request) {
		http.Redirect(w, rq, consent, http.StatusFound)
	})

	r.Get("/callback", func(w http.ResponseWriter, rq *http.Request) {
		if rq.FormValue("state") != state {
			http.Error(w, "Invalid authorisation state", http.StatusBadRequest)
			return
		}

		if reason := rq.FormValue("error"); reason != "" {
			http.Error(w, "Authorisation declined", http.StatusForbidden)
			select {
			case errs <- fmt.Errorf("authorisation declined (%v)", reason):
			default:
			}
			return
		}

		code := rq.FormValue("code")
		if code == "" {
			http.Error(w, "Missing authorisation code", http.StatusBadRequest)
			return
		}

		fmt.Fprintln(w, "db-to-sheets has been authorised - you can close this window")

		select {
		case codes <- code:
		default:
		}
	})

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errs <- err:
			default:
			}
		}
	}()

	defer func() {
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdown); err != nil {
			log.Warn("Error shutting down authorisation callback server", zap.Error(err))
		}
	}()

	if err := open(local + "/"); err != nil {
		log.Warn("Could not open the authorisation page in your browser - please open it manually", zap.String("url", local+"/"))
	} else {
		log.Info("Waiting for authorisation", zap.String("url", local+"/"))
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case err := <-errs:
		return nil, err

	case code := <-codes:
		token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("unable to retrieve token (%w)", err)
		}

		return token, nil
	}
}

func openBrowser(url string) error {
	if BROWSER == "" {
		return fmt.Errorf("no browser launcher for this platform")
	}

	return exec.Command(BROWSER, url).Start()
}
