package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name      string
		envelope  Envelope
		direction string
		wantErr   string
	}{
		{
			name: "valid client subscribe",
			envelope: Envelope{
				Kind:          KindSubscribe,
				CorrelationID: "corr-1",
				Direction:     DirectionClient,
			},
			direction: DirectionClient,
		},
		{
			name: "valid server event",
			envelope: Envelope{
				Kind:          KindEvent,
				CorrelationID: "corr-2",
				Direction:     DirectionServer,
			},
			direction: DirectionServer,
		},
		{
			name: "missing kind",
			envelope: Envelope{
				CorrelationID: "corr-3",
				Direction:     DirectionClient,
			},
			direction: DirectionClient,
			wantErr:   "kind",
		},
		{
			name: "missing correlation id",
			envelope: Envelope{
				Kind:      KindSubscribe,
				Direction: DirectionClient,
			},
			direction: DirectionClient,
			wantErr:   "correlation_id",
		},
		{
			name: "server kind on client direction",
			envelope: Envelope{
				Kind:          KindEvent,
				CorrelationID: "corr-4",
				Direction:     DirectionClient,
			},
			direction: DirectionClient,
			wantErr:   "kind",
		},
		{
			name: "wrong direction marker",
			envelope: Envelope{
				Kind:          KindSubscribe,
				CorrelationID: "corr-5",
				Direction:     DirectionServer,
			},
			direction: DirectionClient,
			wantErr:   "direction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.envelope.Validate(tt.direction)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantErr, verr.Field)
		})
	}
}
