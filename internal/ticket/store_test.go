package ticket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAdd(t *testing.T, s *Store, spec Spec) {
	t.Helper()
	require.NoError(t, s.Add(spec))
}

func TestAuthorizeHappyPath(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, Spec{UUID: "t1", URL: "file:///tmp/img", Size: 1024, Ops: []Op{OpRead}, Timeout: 300})

	lease, err := s.Authorize("t1", OpRead, 0, 512)
	require.NoError(t, err)
	start, end := lease.Range()
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(512), end)

	s.Release(lease, 512)

	status, err := s.Get("t1")
	require.NoError(t, err)
	require.NotNil(t, status.Transferred)
	assert.Equal(t, int64(512), *status.Transferred)
}

func TestAuthorizeRejectsVerbNotInOps(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, Spec{UUID: "t1", URL: "file:///tmp/img", Size: 1024, Ops: []Op{OpRead}, Timeout: 300})

	_, err := s.Authorize("t1", OpWrite, 0, 100)
	assert.Error(t, err)
}

func TestAuthorizeRejectsOutOfRange(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, Spec{UUID: "t1", URL: "file:///tmp/img", Size: 1000, Ops: []Op{OpRead}, Timeout: 300})

	_, err := s.Authorize("t1", OpRead, 0, 1001)
	assert.Error(t, err)
}

func TestAuthorizeRejectsUnknownTicket(t *testing.T) {
	s := NewStore()
	_, err := s.Authorize("missing", OpRead, 0, 10)
	assert.Error(t, err)
}

func TestExtendZeroExpiresImmediately(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, Spec{UUID: "t1", URL: "file:///tmp/img", Size: 1000, Ops: []Op{OpRead}, Timeout: 300})

	require.NoError(t, s.Extend("t1", 0))

	_, err := s.Authorize("t1", OpRead, 0, 10)
	assert.Error(t, err)
}

func TestExtendNeverShortens(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, Spec{UUID: "t1", URL: "file:///tmp/img", Size: 1000, Ops: []Op{OpRead}, Timeout: 3600})

	require.NoError(t, s.Extend("t1", 1))

	// extend(1) must not shorten the original 3600s expiry
	_, err := s.Authorize("t1", OpRead, 0, 10)
	assert.NoError(t, err)
}

func TestCancelZeroWaitsForQuiescence(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, Spec{UUID: "t1", URL: "file:///tmp/img", Size: 1000, Ops: []Op{OpRead}, Timeout: 300})

	lease, err := s.Authorize("t1", OpRead, 0, 10)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = s.Cancel("t1", 0)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("cancel(0) returned before connections reached zero")
	case <-time.After(50 * time.Millisecond):
	}

	// further authorize attempts must fail while canceling
	_, err = s.Authorize("t1", OpRead, 0, 10)
	assert.Error(t, err)

	s.Release(lease, 10)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel(0) did not return after quiescence")
	}

	_, err = s.Get("t1")
	assert.Error(t, err)
}

func TestCancelWithTimeoutForcesRemoval(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, Spec{UUID: "t1", URL: "file:///tmp/img", Size: 1000, Ops: []Op{OpRead}, Timeout: 300})

	lease, err := s.Authorize("t1", OpRead, 0, 10)
	require.NoError(t, err)
	_ = lease

	require.NoError(t, s.Cancel("t1", 1))

	// signal fires immediately even though the connection is still open
	select {
	case <-lease.CancelSignal():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("cancel signal was not delivered promptly")
	}

	time.Sleep(1200 * time.Millisecond)
	_, err = s.Get("t1")
	assert.Error(t, err, "ticket should be force-removed after deadline")
}

func TestAddReplacesExistingTicket(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, Spec{UUID: "t1", URL: "file:///a", Size: 100, Ops: []Op{OpRead}, Timeout: 300})
	mustAdd(t, s, Spec{UUID: "t1", URL: "file:///b", Size: 200, Ops: []Op{OpRead, OpWrite}, Timeout: 300})

	status, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "file:///b", status.URL)
	assert.Equal(t, int64(200), status.Size)
}

func TestAuthorizeRejectsAfterInactivityTimeout(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, Spec{UUID: "t1", URL: "file:///tmp/img", Size: 1000, Ops: []Op{OpRead}, Timeout: 3600, InactivityTimeout: 1})

	lease, err := s.Authorize("t1", OpRead, 0, 10)
	require.NoError(t, err)
	s.Release(lease, 10)

	time.Sleep(1200 * time.Millisecond)

	_, err = s.Authorize("t1", OpRead, 0, 10)
	assert.Error(t, err, "ticket should stop authorizing once idle past inactivity_timeout")
}

func TestAuthorizeInactivityTimeoutDoesNotCountDownWhileConnected(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, Spec{UUID: "t1", URL: "file:///tmp/img", Size: 1000, Ops: []Op{OpRead}, Timeout: 3600, InactivityTimeout: 1})

	lease, err := s.Authorize("t1", OpRead, 0, 10)
	require.NoError(t, err)

	time.Sleep(1200 * time.Millisecond)

	// the lease from the first Authorize is still open, so connections > 0
	// the whole time; a second authorize must still succeed.
	lease2, err := s.Authorize("t1", OpRead, 0, 10)
	require.NoError(t, err)
	s.Release(lease, 10)
	s.Release(lease2, 10)
}

func TestTransferredOnlyForSingleDirection(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, Spec{UUID: "t1", URL: "file:///a", Size: 1000, Ops: []Op{OpRead, OpWrite}, Timeout: 300})

	rl, err := s.Authorize("t1", OpRead, 0, 100)
	require.NoError(t, err)
	s.Release(rl, 100)

	wl, err := s.Authorize("t1", OpWrite, 0, 100)
	require.NoError(t, err)
	s.Release(wl, 100)

	status, err := s.Get("t1")
	require.NoError(t, err)
	assert.Nil(t, status.Transferred, "mixed read+write ticket must not report transferred")
}
