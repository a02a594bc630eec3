package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBrowser scripts the minimal browser surface for session flows
type fakeBrowser struct {
	location string
	cookies  []Cookie
	launched bool
	closed   int
	navs     []string
}

func (f *fakeBrowser) Launch(ctx context.Context) error { f.launched = true; return nil }
func (f *fakeBrowser) Close() error                     { f.closed++; return nil }

func (f *fakeBrowser) Navigate(ctx context.Context, url string) error {
	f.navs = append(f.navs, url)
	if f.location == "" {
		f.location = url
	}
	return nil
}

func (f *fakeBrowser) Location(ctx context.Context) (string, error) { return f.location, nil }

func (f *fakeBrowser) Cookies(ctx context.Context) ([]Cookie, error) { return f.cookies, nil }

func (f *fakeBrowser) SetCookies(ctx context.Context, cookies []Cookie) error {
	f.cookies = cookies
	return nil
}

func (f *fakeBrowser) Evaluate(ctx context.Context, expr string, out any) error { return nil }
func (f *fakeBrowser) Click(ctx context.Context, selector string) error         { return nil }
func (f *fakeBrowser) Type(ctx context.Context, selector, text string) error    { return nil }
func (f *fakeBrowser) PressEnter(ctx context.Context) error                     { return nil }
func (f *fakeBrowser) ExposeBinding(ctx context.Context, name string, fn func()) error {
	return nil
}

func testStore(t *testing.T, b Browser) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(b, filepath.Join(dir, "session.bin"), filepath.Join(dir, "session.key"))
}

func saveSession(t *testing.T, s *Store, cookies []Cookie) {
	t.Helper()
	require.NoError(t, s.creds.save(cookies))
}

func TestAcquireWithoutSavedSession(t *testing.T) {
	s := testStore(t, &fakeBrowser{})
	assert.False(t, s.HasSession())
	assert.ErrorIs(t, s.Acquire(context.Background()), ErrNoSession)
	assert.False(t, s.IsActive())
}

func TestAcquireRestoresSession(t *testing.T) {
	b := &fakeBrowser{}
	s := testStore(t, b)
	saveSession(t, s, []Cookie{{Name: "sessionid", Value: "tok"}})

	require.NoError(t, s.Acquire(context.Background()))
	assert.True(t, s.IsActive())
	assert.True(t, b.launched)
	assert.Contains(t, b.navs, inboxURL)

	// Second acquire is a no-op.
	navs := len(b.navs)
	require.NoError(t, s.Acquire(context.Background()))
	assert.Len(t, b.navs, navs)
}

func TestOnAcquiredHookFiresPerAcquire(t *testing.T) {
	b := &fakeBrowser{}
	s := testStore(t, b)
	saveSession(t, s, []Cookie{{Name: "sessionid", Value: "tok"}})

	fired := 0
	s.SetOnAcquired(func() {
		fired++
		// Hooks re-inject page state, which goes through the session gate.
		err := s.Do(context.Background(), func(ctx context.Context, b Browser) error {
			return nil
		})
		assert.NoError(t, err)
	})

	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, 1, fired)

	// No-op acquire of an already-active session does not re-fire.
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, 1, fired)

	// A new browser context needs everything re-installed.
	require.NoError(t, s.Reacquire(context.Background()))
	assert.Equal(t, 2, fired)
}

func TestOnAcquiredHookSkippedOnFailure(t *testing.T) {
	b := &fakeBrowser{location: "https://www.instagram.com/accounts/login/"}
	s := testStore(t, b)
	saveSession(t, s, []Cookie{{Name: "sessionid", Value: "tok"}})

	s.SetOnAcquired(func() { t.Fatal("hook must not fire for a failed acquire") })
	assert.ErrorIs(t, s.Acquire(context.Background()), ErrAuthExpired)
}

func TestAcquireDetectsLoginRedirect(t *testing.T) {
	b := &fakeBrowser{location: "https://www.instagram.com/accounts/login/"}
	s := testStore(t, b)
	saveSession(t, s, []Cookie{{Name: "sessionid", Value: "tok"}})

	assert.ErrorIs(t, s.Acquire(context.Background()), ErrAuthExpired)
	assert.False(t, s.IsActive())
	assert.NotZero(t, b.closed, "a failed acquire must not leak the browser")
}

func TestAcquireDetectsMissingSessionCookie(t *testing.T) {
	b := &fakeBrowser{}
	s := testStore(t, b)
	saveSession(t, s, []Cookie{{Name: "csrftoken", Value: "abc"}})

	assert.ErrorIs(t, s.Acquire(context.Background()), ErrAuthExpired)
}

func TestDoRequiresActiveSession(t *testing.T) {
	s := testStore(t, &fakeBrowser{})

	err := s.Do(context.Background(), func(ctx context.Context, b Browser) error {
		t.Fatal("must not run without an active session")
		return nil
	})
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestDoSerializesAgainstStore(t *testing.T) {
	b := &fakeBrowser{}
	s := testStore(t, b)
	saveSession(t, s, []Cookie{{Name: "sessionid", Value: "tok"}})
	require.NoError(t, s.Acquire(context.Background()))

	ran := false
	err := s.Do(context.Background(), func(ctx context.Context, got Browser) error {
		ran = true
		assert.Same(t, b, got)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestInvalidateKeepsCredentials(t *testing.T) {
	b := &fakeBrowser{}
	s := testStore(t, b)
	saveSession(t, s, []Cookie{{Name: "sessionid", Value: "tok"}})
	require.NoError(t, s.Acquire(context.Background()))

	s.Invalidate()
	assert.False(t, s.IsActive())
	assert.True(t, s.HasSession(), "invalidate keeps the saved session for re-acquire")
}

func TestLogoutRemovesCredentials(t *testing.T) {
	b := &fakeBrowser{}
	s := testStore(t, b)
	saveSession(t, s, []Cookie{{Name: "sessionid", Value: "tok"}})
	require.NoError(t, s.Acquire(context.Background()))

	require.NoError(t, s.Logout())
	assert.False(t, s.IsActive())
	assert.False(t, s.HasSession())
}

func TestProbeExpiredSessionDeactivates(t *testing.T) {
	b := &fakeBrowser{}
	s := testStore(t, b)
	saveSession(t, s, []Cookie{{Name: "sessionid", Value: "tok"}})
	require.NoError(t, s.Acquire(context.Background()))

	b.location = "https://www.instagram.com/accounts/login/"
	assert.ErrorIs(t, s.Probe(context.Background()), ErrAuthExpired)
	assert.False(t, s.IsActive())
}
