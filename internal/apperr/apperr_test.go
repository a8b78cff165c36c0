package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRPCCode_KnownKinds(t *testing.T) {
	assert.Equal(t, -32601, RPCCode(MethodNotImplemented("session/frob")))
	assert.Equal(t, -32002, RPCCode(SessionNotFound("abc")))
	assert.Equal(t, -32002, RPCCode(RemoteSessionNotFound("abc", "peer-1")))
}

func TestRPCCode_UnmappedKindFallsBackToInternal(t *testing.T) {
	assert.Equal(t, -32603, RPCCode(New(KindProvider, "boom")))
}

func TestRPCCode_NonAppErrFallsBackToInternal(t *testing.T) {
	assert.Equal(t, -32603, RPCCode(errors.New("plain error")))
}

func TestRPCCode_UnwrapsWrappedError(t *testing.T) {
	wrapped := Wrap(KindSessionNotFound, "wrapped", errors.New("cause"))
	outer := errors.Join(errors.New("context"), wrapped)
	assert.Equal(t, -32002, RPCCode(outer))
}
