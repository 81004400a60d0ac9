package raftapi_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ttaaoo/raftlogd/internal/log"
	"github.com/ttaaoo/raftlogd/internal/raftapi"
)

func TestSessionIDRoundTrip(t *testing.T) {
	payload := raftapi.EncodeSessionID("client-42")
	id, err := raftapi.DecodeSessionID(payload)
	require.NoError(t, err)
	require.Equal(t, "client-42", id)
}

func TestDecodeSessionIDRejectsShortPayloads(t *testing.T) {
	_, err := raftapi.DecodeSessionID(nil)
	require.ErrorIs(t, err, raftapi.ErrMalformedSession)

	_, err = raftapi.DecodeSessionID([]byte{0x05, 0x00, 'a'})
	require.ErrorIs(t, err, raftapi.ErrMalformedSession)
}

func TestSessionEntries(t *testing.T) {
	reg := raftapi.NewRegisterEntry("client-1")
	require.Equal(t, log.EntryRegister, reg.Kind)
	id, err := raftapi.DecodeSessionID(reg.Payload)
	require.NoError(t, err)
	require.Equal(t, "client-1", id)

	unreg := raftapi.NewUnregisterEntry("client-1")
	require.Equal(t, log.EntryUnregister, unreg.Kind)
}
