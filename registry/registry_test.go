package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"blelink/registry"
)

type fakeSink struct {
	success []string
	errs    []string
}

func (f *fakeSink) SendResponse(string)     {}
func (f *fakeSink) SendSuccess(body string) { f.success = append(f.success, body) }
func (f *fakeSink) SendError(body string)   { f.errs = append(f.errs, body) }

func TestNewDefaultPrePopulatesModeCommands(t *testing.T) {
	r := registry.NewDefault()

	for _, id := range []string{"BINREQ", "BINREQACK", "BINEXIT", "BINEXITACK"} {
		isMode, handling, known := r.Lookup(id)
		require.True(t, known, id)
		require.True(t, isMode, id)
		require.Equal(t, registry.HandledByLibrary, handling)
	}

	_, _, known := r.Lookup("PING")
	require.False(t, known)
}

func TestRegistryConstructsFreshInstancesPerCall(t *testing.T) {
	r := registry.NewDefault()

	a, ok := r.New("BINREQ")
	require.True(t, ok)
	b, ok := r.New("BINREQ")
	require.True(t, ok)
	require.NotSame(t, a, b)
}

func TestRegistryUnknownIdentifier(t *testing.T) {
	r := registry.New()
	_, ok := r.New("NOPE")
	require.False(t, ok)
	_, _, known := r.Lookup("NOPE")
	require.False(t, known)
}

func TestHostHandledDoesNotConstruct(t *testing.T) {
	r := registry.New()
	r.RegisterHost("DEVICE", false)

	isMode, handling, known := r.Lookup("DEVICE")
	require.True(t, known)
	require.False(t, isMode)
	require.Equal(t, registry.HandledByHost, handling)

	_, ok := r.New("DEVICE")
	require.False(t, ok)
}

func TestModeCommandProcessInboundRepliesOK(t *testing.T) {
	r := registry.NewDefault()
	cmd, ok := r.New("BINREQACK")
	require.True(t, ok)
	require.True(t, cmd.IsModeCommand())
	require.Equal(t, "BINREQACK", cmd.Identifier())

	sink := &fakeSink{}
	require.NoError(t, cmd.ProcessInbound("", sink))
	require.Equal(t, []string{""}, sink.success)
}

func TestCustomIsVerbatimAndNotRegistered(t *testing.T) {
	c := registry.NewCustom("ATi?")
	require.Equal(t, "ATi?", c.VerbatimPayload())
	require.Equal(t, "ATi?", c.Identifier())
	require.False(t, c.IsModeCommand())
	_, _, known := registry.NewDefault().Lookup(c.Identifier())
	require.False(t, known)

	require.NoError(t, c.ParseResponse([]string{"line1", "line2"}))
	require.Equal(t, []string{"line1", "line2"}, c.Response())
}

func TestCustomBareATMatchesConnectivityCheck(t *testing.T) {
	c := registry.NewCustom("AT")
	require.Equal(t, "AT", c.VerbatimPayload())
}
