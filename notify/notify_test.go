package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabledNotifierSendIsNoOp(t *testing.T) {
	n := New("", 0)
	assert.NotPanics(t, func() {
		n.Send(context.Background(), "hello")
		n.AdminAction(context.Background(), "admin1", "source.add", "feed-1")
		n.TrafficLimitThreshold(context.Background(), "admin1", 95, 900, 1000)
	})
}

func TestNewWithMalformedTokenDegradesToDisabled(t *testing.T) {
	n := New("not-a-valid-token", 123)
	assert.False(t, n.enabled())
}
