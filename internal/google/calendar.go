package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"tempo/internal/config"
	"tempo/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var (
	// ErrUnauthorized is a 401 that survived one refresh and retry.
	ErrUnauthorized = errors.New("calendar api: unauthorized")
	// ErrReauthRequired means the session cannot be refreshed and the user must reconnect.
	ErrReauthRequired = errors.New("calendar session expired, reconnect required")
	// ErrNotConnected is returned when no credentials are stored.
	ErrNotConnected = errors.New("calendar account not connected")
	// ErrReconcileInProgress is returned by Reconcile while another pass runs.
	ErrReconcileInProgress = errors.New("reconciliation already in progress")
)

// SessionStore persists the OAuth session and the sync config.
type SessionStore interface {
	SyncConfig(ctx context.Context) (models.SyncConfig, error)
	UpdateSyncConfig(ctx context.Context, patch models.SyncConfigPatch) (models.SyncConfig, error)
	Credentials(ctx context.Context) (*models.Credentials, error)
	SaveCredentials(ctx context.Context, creds *models.Credentials) error
	ClearCredentials(ctx context.Context) error
}

// CalendarAdapter owns the OAuth session and talks to the Calendar API.
type CalendarAdapter struct {
	oauth          *oauth2.Config
	store          SessionStore
	endpoint       string
	requestTimeout time.Duration
	windowDays     int
	logger         zerolog.Logger
	now            func() time.Time

	// mu guards the cached service and serialises token refreshes.
	mu       sync.Mutex
	srv      *calendar.Service
	srvToken string

	reconciling atomic.Bool
}

// NewOAuthConfig builds the OAuth client from a downloaded credentials file or
// from an explicit client id and secret. Endpoint URLs may be overridden.
func NewOAuthConfig(cfg config.GoogleConfig) (*oauth2.Config, error) {
	scopes := []string{
		calendar.CalendarEventsScope,
		calendar.CalendarReadonlyScope,
	}

	var oc *oauth2.Config
	if cfg.CredentialsFile != "" {
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read credentials file: %w", err)
		}
		oc, err = google.ConfigFromJSON(b, scopes...)
		if err != nil {
			return nil, fmt.Errorf("unable to parse credentials: %w", err)
		}
	} else {
		if cfg.ClientID == "" {
			return nil, errors.New("google client_id or credentials_file is required")
		}
		oc = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       scopes,
		}
	}

	if cfg.RedirectURL != "" {
		oc.RedirectURL = cfg.RedirectURL
	}
	if cfg.AuthURL != "" {
		oc.Endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		oc.Endpoint.TokenURL = cfg.TokenURL
	}
	return oc, nil
}

func NewCalendarAdapter(cfg config.GoogleConfig, store SessionStore, logger *zerolog.Logger) (*CalendarAdapter, error) {
	oc, err := NewOAuthConfig(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = models.DefaultRequestTimeout
	}
	window := cfg.WindowDays
	if window <= 0 {
		window = models.SyncWindowDays
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "calendar").Logger()
	}

	return &CalendarAdapter{
		oauth:          oc,
		store:          store,
		endpoint:       cfg.APIEndpoint,
		requestTimeout: timeout,
		windowDays:     window,
		logger:         l,
		now:            time.Now,
	}, nil
}

// AuthCodeURL returns the consent page URL. Offline access is requested so a
// refresh token comes back with the code exchange.
func (a *CalendarAdapter) AuthCodeURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Authenticate exchanges an authorization code and stores the new session.
// The stored session is left as is when the exchange fails.
func (a *CalendarAdapter) Authenticate(ctx context.Context, code string) (bool, error) {
	if code == "" {
		return false, errors.New("authorization code is empty")
	}

	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		a.logger.Warn().Err(err).Msg("authorization code exchange failed")
		return false, fmt.Errorf("unable to retrieve token from Google: %w", err)
	}

	creds := &models.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if creds.RefreshToken == "" {
		if prev, err := a.store.Credentials(ctx); err == nil && prev != nil {
			creds.RefreshToken = prev.RefreshToken
		}
	}

	if err := a.store.SaveCredentials(ctx, creds); err != nil {
		return false, err
	}
	a.resetService()

	a.logger.Info().Bool("has_refresh_token", creds.RefreshToken != "").Msg("calendar account connected")
	return true, nil
}

// RefreshAccessToken trades the stored refresh token for a new access token.
// It is called after a 401, never on a timer.
func (a *CalendarAdapter) RefreshAccessToken(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	creds, err := a.store.Credentials(ctx)
	if err != nil {
		return false, err
	}
	if creds == nil || creds.RefreshToken == "" {
		return false, ErrReauthRequired
	}

	tok, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		a.logger.Warn().Err(err).Msg("token refresh failed")
		return false, fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}

	next := &models.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	if err := a.store.SaveCredentials(ctx, next); err != nil {
		return false, err
	}
	a.srv = nil
	a.srvToken = ""

	a.logger.Debug().Msg("access token refreshed")
	return true, nil
}

// IsConnected reports whether a session is stored.
func (a *CalendarAdapter) IsConnected(ctx context.Context) (bool, error) {
	creds, err := a.store.Credentials(ctx)
	if err != nil {
		return false, err
	}
	return creds != nil, nil
}

// Disconnect forgets the session and turns sync off. Linked local events are kept.
func (a *CalendarAdapter) Disconnect(ctx context.Context) error {
	if err := a.store.ClearCredentials(ctx); err != nil {
		return err
	}
	disabled := false
	if _, err := a.store.UpdateSyncConfig(ctx, models.SyncConfigPatch{Enabled: &disabled}); err != nil {
		return err
	}
	a.resetService()
	a.logger.Info().Msg("calendar account disconnected")
	return nil
}

// ListCalendars returns the calendars visible to the account.
func (a *CalendarAdapter) ListCalendars(ctx context.Context) ([]models.RemoteCalendar, error) {
	var out []models.RemoteCalendar
	err := a.withAuth(ctx, func(ctx context.Context, srv *calendar.Service) error {
		out = out[:0]
		return srv.CalendarList.List().Pages(ctx, func(page *calendar.CalendarList) error {
			for _, item := range page.Items {
				out = append(out, models.RemoteCalendar{
					ID:       item.Id,
					Summary:  item.Summary,
					Primary:  item.Primary,
					TimeZone: item.TimeZone,
					Color:    item.BackgroundColor,
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve calendar list: %w", err)
	}
	return out, nil
}

func (a *CalendarAdapter) resetService() {
	a.mu.Lock()
	a.srv = nil
	a.srvToken = ""
	a.mu.Unlock()
}

// service returns a client bound to the stored access token.
func (a *CalendarAdapter) service(ctx context.Context) (*calendar.Service, error) {
	creds, err := a.store.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, ErrNotConnected
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.srv != nil && a.srvToken == creds.AccessToken {
		return a.srv, nil
	}

	tok := &oauth2.Token{AccessToken: creds.AccessToken, TokenType: creds.TokenType}
	client := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(tok))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	srv, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Calendar service: %w", err)
	}

	a.srv = srv
	a.srvToken = creds.AccessToken
	return srv, nil
}

// withAuth runs fn with a bounded timeout. On a 401 it refreshes the token
// once and retries exactly once.
func (a *CalendarAdapter) withAuth(ctx context.Context, fn func(ctx context.Context, srv *calendar.Service) error) error {
	srv, err := a.service(ctx)
	if err != nil {
		return err
	}

	err = a.call(ctx, srv, fn)
	if !isUnauthorized(err) {
		return err
	}

	a.logger.Debug().Msg("calendar api returned 401, refreshing token")
	if _, rerr := a.RefreshAccessToken(ctx); rerr != nil {
		return rerr
	}

	srv, err = a.service(ctx)
	if err != nil {
		return err
	}
	err = a.call(ctx, srv, fn)
	if isUnauthorized(err) {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return err
}

func (a *CalendarAdapter) call(ctx context.Context, srv *calendar.Service, fn func(ctx context.Context, srv *calendar.Service) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()
	return fn(ctx, srv)
}

func isUnauthorized(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}

// NeedsReconnect reports whether err should surface as a reconnect prompt.
func NeedsReconnect(err error) bool {
	return errors.Is(err, ErrReauthRequired) || errors.Is(err, ErrNotConnected) || errors.Is(err, ErrUnauthorized)
}
