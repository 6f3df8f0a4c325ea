package handover

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ggoodman/dualstream/transport"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, KindTimeout, Classify(transport.ErrRequestTimeout))
	assert.Equal(t, KindTimeout, Classify(fmt.Errorf("dial: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindFailure, Classify(errors.New("connection refused")))
}

func TestRetryConnect(t *testing.T) {
	tests := []struct {
		name     string
		triggers Triggers
		kind     ErrorKind
		attempt  int
		want     bool
	}{
		{"failure enabled below limit", Triggers{Failure: true}, KindFailure, 1, true},
		{"failure enabled at limit", Triggers{Failure: true}, KindFailure, 3, false},
		{"failure disabled", Triggers{Timeout: true}, KindFailure, 1, false},
		{"timeout enabled", Triggers{Timeout: true}, KindTimeout, 2, true},
		{"timeout disabled", Triggers{Failure: true}, KindTimeout, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{Triggers: tt.triggers, AttemptLimit: 3}
			assert.Equal(t, tt.want, p.RetryConnect(tt.kind, tt.attempt))
		})
	}
}

func TestReconnectOnDisconnect(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name     string
		triggers Triggers
		limit    int
		err      error
		want     bool
	}{
		{"error with failure trigger", Triggers{Failure: true}, 3, boom, true},
		{"error without failure trigger", Triggers{DisconnectByServer: true}, 3, boom, false},
		{"clean with server trigger", Triggers{DisconnectByServer: true}, 3, nil, true},
		{"clean without server trigger", Triggers{Failure: true}, 3, nil, false},
		{"limit of one blocks", Triggers{Failure: true, DisconnectByServer: true}, 1, boom, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{Triggers: tt.triggers, AttemptLimit: tt.limit}
			assert.Equal(t, tt.want, p.ReconnectOnDisconnect(tt.err, 1))
		})
	}
}

func TestReconnectOnLength(t *testing.T) {
	p := Policy{Triggers: Triggers{ResponseLength: 524288}}
	assert.True(t, p.ReconnectOnLength(600000, false))
	assert.False(t, p.ReconnectOnLength(400000, false))
	assert.False(t, p.ReconnectOnLength(524288, false))
	assert.False(t, p.ReconnectOnLength(600000, true))
}

func TestConnectErrorUnwrap(t *testing.T) {
	cause := errors.New("refused")
	err := error(&ConnectError{Slot: Beta, Attempts: 3, Kind: KindFailure, Err: cause})

	assert.ErrorIs(t, err, ErrConnectExhausted)
	assert.ErrorIs(t, err, cause)

	var ce *ConnectError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, Beta, ce.Slot)
	assert.Contains(t, err.Error(), "beta")
	assert.Contains(t, err.Error(), "refused")
}

func TestSlotSibling(t *testing.T) {
	assert.Equal(t, Beta, Alpha.Sibling())
	assert.Equal(t, Alpha, Beta.Sibling())
}
