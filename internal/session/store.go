package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAuthExpired indicates the remote session was revoked or the saved
	// cookies no longer authenticate. Forces the re-login flow.
	ErrAuthExpired = errors.New("instagram session expired")

	// ErrNoSession indicates no saved credentials exist yet
	ErrNoSession = errors.New("no saved session")

	// ErrNotActive indicates the session is not currently acquired
	ErrNotActive = errors.New("session not active")
)

const (
	inboxURL = "https://www.instagram.com/direct/inbox/"
	homeURL  = "https://www.instagram.com/"

	sessionCookie = "sessionid"
	loginTimeout  = 5 * time.Minute
)

// Cookie is a browser cookie in storage-neutral form
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"http_only"`
}

// Browser is the minimal surface the automation layer drives. Implemented by
// the chromedp-backed browser; faked in tests.
type Browser interface {
	Launch(ctx context.Context) error
	Close() error
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Evaluate(ctx context.Context, expr string, out any) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	PressEnter(ctx context.Context) error
	ExposeBinding(ctx context.Context, name string, fn func()) error
}

// Store owns the single authenticated browser session. Every interaction
// with the live surface goes through Do, which serializes access: the
// underlying session is one shared stateful handle and does not tolerate
// concurrent interaction.
type Store struct {
	mu         sync.Mutex
	browser    Browser
	creds      *credStore
	active     bool
	onAcquired func()
}

// NewStore creates a session store around a browser and credential files
func NewStore(browser Browser, credsPath, keyPath string) *Store {
	return &Store{
		browser: browser,
		creds:   newCredStore(credsPath, keyPath),
	}
}

// SetOnAcquired registers a hook invoked after every successful Acquire,
// including re-acquires. A fresh browser context loses injected page state,
// so anything installed into the page must be re-installed from here.
func (s *Store) SetOnAcquired(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAcquired = fn
}

// HasSession reports whether saved credentials exist on disk
func (s *Store) HasSession() bool {
	return s.creds.exists()
}

// IsActive reports whether the session is currently acquired and believed live
func (s *Store) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Acquire loads persisted credentials, starts the browser, restores cookies,
// and validates liveness with a cheap probe. On success the refreshed cookies
// are persisted back. Returns ErrAuthExpired when the remote side revoked the
// session and ErrNoSession when nothing is saved.
func (s *Store) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil
	}
	err := s.acquireLocked(ctx)
	hook := s.onAcquired
	s.mu.Unlock()

	if err != nil {
		return err
	}
	// Run outside the gate: the hook drives the session through Do.
	if hook != nil {
		hook()
	}
	return nil
}

func (s *Store) acquireLocked(ctx context.Context) error {
	cookies, err := s.creds.load()
	if err != nil {
		return err
	}

	log.Printf("[Session] Acquiring session (%d cookies)", len(cookies))

	if err := s.browser.Launch(ctx); err != nil {
		return fmt.Errorf("browser launch: %w", err)
	}
	if err := s.browser.SetCookies(ctx, cookies); err != nil {
		s.browser.Close()
		return fmt.Errorf("restore cookies: %w", err)
	}
	if err := s.browser.Navigate(ctx, inboxURL); err != nil {
		s.browser.Close()
		return fmt.Errorf("open inbox: %w", err)
	}

	if err := s.probeLocked(ctx); err != nil {
		s.browser.Close()
		return err
	}

	dismissPopups(ctx, s.browser)

	// Persist whatever the remote side rotated during the probe.
	if fresh, err := s.browser.Cookies(ctx); err == nil {
		if err := s.creds.save(fresh); err != nil {
			log.Printf("[Session] Failed to persist refreshed cookies: %v", err)
		}
	}

	s.active = true
	log.Printf("[Session] Session active")
	return nil
}

// Reacquire tears the session down and acquires it again. Used after
// repeated transient failures mark the session suspect.
func (s *Store) Reacquire(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.active = false
		s.browser.Close()
	}
	s.mu.Unlock()
	return s.Acquire(ctx)
}

// Invalidate closes the browser and marks the session inactive.
// Saved credentials are kept; use Logout to discard them.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	s.browser.Close()
	log.Printf("[Session] Session invalidated")
}

// Logout invalidates the session and deletes the saved credentials
func (s *Store) Logout() error {
	s.Invalidate()
	return s.creds.remove()
}

// Do runs fn against the live browser while holding the session gate.
// At most one caller interacts with the session at any instant.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, b Browser) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotActive
	}
	return fn(ctx, s.browser)
}

// Probe re-checks session liveness. Marks the session inactive and returns
// ErrAuthExpired when the remote side logged us out.
func (s *Store) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotActive
	}
	if err := s.probeLocked(ctx); err != nil {
		s.active = false
		s.browser.Close()
		return err
	}
	return nil
}

// probeLocked checks for a login redirect and the presence of the session
// cookie. Both are cheap: no extra navigation.
func (s *Store) probeLocked(ctx context.Context) error {
	loc, err := s.browser.Location(ctx)
	if err != nil {
		return fmt.Errorf("probe location: %w", err)
	}
	if strings.Contains(loc, "/accounts/login") {
		return ErrAuthExpired
	}

	cookies, err := s.browser.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("probe cookies: %w", err)
	}
	for _, c := range cookies {
		if c.Name == sessionCookie && c.Value != "" {
			return nil
		}
	}
	return ErrAuthExpired
}

// Login runs the interactive login flow: opens Instagram in the browser and
// waits for the operator to sign in, detected by the session cookie
// appearing. On success the cookies are persisted and the session is closed;
// call Acquire to start automation.
func (s *Store) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		s.active = false
		s.browser.Close()
	}

	log.Printf("[Session] Starting login flow, waiting for operator")

	if err := s.browser.Launch(ctx); err != nil {
		return fmt.Errorf("browser launch: %w", err)
	}
	defer s.browser.Close()

	if err := s.browser.Navigate(ctx, homeURL); err != nil {
		return fmt.Errorf("open instagram: %w", err)
	}

	deadline := time.Now().Add(loginTimeout)
	for time.Now().Before(deadline) {
		cookies, err := s.browser.Cookies(ctx)
		if err != nil {
			return fmt.Errorf("login poll: %w", err)
		}
		for _, c := range cookies {
			if c.Name == sessionCookie && c.Value != "" {
				// Give the page a moment to settle any remaining cookies.
				time.Sleep(2 * time.Second)
				final, err := s.browser.Cookies(ctx)
				if err != nil {
					final = cookies
				}
				if err := s.creds.save(final); err != nil {
					return fmt.Errorf("save session: %w", err)
				}
				log.Printf("[Session] Login detected, session saved")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("login timed out after %s", loginTimeout)
}
