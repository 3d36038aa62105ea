package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ListenRedirect opens the loopback listener named by a redirect URL such as
// http://localhost:6789/oauth2callback and returns it with the callback path.
func ListenRedirect(redirectURL string) (net.Listener, string, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse redirect url: %w", err)
	}
	if u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		return nil, "", fmt.Errorf("redirect url %q is not a loopback address", redirectURL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return nil, "", fmt.Errorf("failed to start listener on port %s: %w", port, err)
	}
	return ln, path, nil
}

// ReceiveAuthCode serves the OAuth redirect on ln until one request with the
// expected state arrives, then returns its authorization code.
func ReceiveAuthCode(ctx context.Context, ln net.Listener, path, state string) (string, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			http.Error(w, "Authorization denied", http.StatusBadRequest)
			sendErr(errCh, fmt.Errorf("authorization denied: %s", e))
			return
		}
		if q.Get("state") != state {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "Authorization code not found", http.StatusBadRequest)
			sendErr(errCh, errors.New("authorization code not found in redirect URL"))
			return
		}
		fmt.Fprint(w, "Authentication successful! You can close this window.")
		select {
		case codeCh <- code:
		default:
		}
	})

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(errCh, fmt.Errorf("HTTP server error: %w", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	select {
	case code := <-codeCh:
		return code, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("authorization timed out: %w", ctx.Err())
	}
}

func sendErr(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}
