package clioerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfReturnsUnknownForPlainErrors(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
}

func TestKindOfExtractsKindFromTaggedError(t *testing.T) {
	assert.Equal(t, KindLgrNotFound, KindOf(ErrLgrNotFound))
}

func TestWrapPreservesUnderlyingErrorForUnwrap(t *testing.T) {
	underlying := errors.New("connection reset")
	err := Wrap(KindStorageUnavailable, "read failed", underlying)
	assert.ErrorIs(t, err, underlying)
	assert.Equal(t, KindStorageUnavailable, KindOf(err))
}

func TestErrorMessageIncludesWrappedError(t *testing.T) {
	err := Wrap(KindStorageUnavailable, "read failed", errors.New("timeout"))
	assert.Equal(t, "read failed: timeout", err.Error())
}

func TestKindStringMapsToWireCodes(t *testing.T) {
	cases := map[Kind]string{
		KindInvalidParams:     "invalidParams",
		KindNotFound:          "objectNotFound",
		KindLgrNotFound:       "lgrNotFound",
		KindStorageUnavailable: "internalError",
		KindSlowDown:          "slowDown",
		KindTooBusy:           "tooBusy",
		KindNoPeers:           "noNetwork",
		KindCancelled:         "cancelled",
		KindInvalidAPIVersion: "invalidAPIVersion",
		KindUnknown:           "unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
