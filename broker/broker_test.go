package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rustyeddy/tradeguard/model"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel *model.Error
		unknown  bool
	}{
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), model.ErrBrokerTimeout, true},
		{"network", errors.New("connection reset"), model.ErrBrokerUnavailable, false},
		{"typed passes through", model.Errorf(model.ErrBrokerRejected, "no margin"), model.ErrBrokerRejected, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.err, "submit")
			assert.True(t, errors.Is(got, tt.sentinel))
			assert.True(t, errors.Is(got, model.ErrBroker))
			assert.Equal(t, tt.unknown, model.IsUnknownOutcome(got))
		})
	}

	assert.NoError(t, Classify(nil, "submit"))
}

func TestOrderEvent(t *testing.T) {
	t.Parallel()

	assert.True(t, Event{Kind: OrderFilled}.OrderEvent())
	assert.True(t, Event{Kind: OrderAccepted}.OrderEvent())
	assert.False(t, Event{Kind: ConnectionLost}.OrderEvent())
	assert.False(t, Event{Kind: ConnectionRestored}.OrderEvent())
}
