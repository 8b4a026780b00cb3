package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTrustBoundsAcceptsCIDRAndBareIP(t *testing.T) {
	bounds := parseTrustBounds([]string{"10.0.0.0/8", "192.168.1.5", "not-an-ip"})
	require.Len(t, bounds, 2)
	require.Equal(t, "10.0.0.0", bounds[0].Lo.String())
	require.Equal(t, "10.255.255.255", bounds[0].Hi.String())
	require.Equal(t, bounds[1].Lo.String(), bounds[1].Hi.String())
}

func TestExitForErrorMapsBusyError(t *testing.T) {
	require.Equal(t, exitBusy, exitForError(&busyErr{}))
	require.Equal(t, exitBackendUnreachable, exitForError(&otherErr{}))
}

type busyErr struct{}

func (e *busyErr) Error() string { return "busy error: synchronisation already in progress" }

type otherErr struct{}

func (e *otherErr) Error() string { return "storage error: unreachable" }
