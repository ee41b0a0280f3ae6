package verification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authvault/backend/internal/apperrors"
	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/truststore"
)

func newDispatcher(acpEnabled bool) *Dispatcher {
	clk := clock.NewFake(testNow)
	return NewDispatcher(
		NewAP2Verifier(truststore.NewStatic(nil), clk),
		NewACPVerifier(clk, nil),
		acpEnabled,
	)
}

func TestDispatcher_RoutesACP(t *testing.T) {
	d := newDispatcher(true)
	res, err := d.Verify(ProtocolACP, acpToken(nil), "")
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status)
}

func TestDispatcher_ACPDisabled(t *testing.T) {
	d := newDispatcher(false)
	_, err := d.Verify(ProtocolACP, acpToken(nil), "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindProtocolDisabled))
}

func TestDispatcher_UnknownProtocol(t *testing.T) {
	d := newDispatcher(true)
	res, err := d.Verify(Protocol("SEPA"), []byte(`{}`), "")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalidFormat, res.Status)
}

func TestDispatcher_AP2EmptyTruststore(t *testing.T) {
	d := newDispatcher(true)
	res, err := d.Verify(ProtocolAP2, []byte(`{"vc_jwt":"x.y.z"}`), "")
	require.NoError(t, err)
	assert.NotEqual(t, StatusValid, res.Status)
}
