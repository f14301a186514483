package sl_test

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
)

func TestErr_ReturnsCorrectAttr(t *testing.T) {
	err := errors.New("something went wrong")
	attr := sl.Err(err)

	assert.Equal(t, "error", attr.Key)
	assert.Equal(t, slog.StringValue("something went wrong"), attr.Value)
}

func TestErr_NilError(t *testing.T) {
	assert.Panics(t, func() {
		_ = sl.Err(nil)
	})
}

func TestOp(t *testing.T) {
	attr := sl.Op("notification.DispatchWindow")

	assert.Equal(t, "op", attr.Key)
	assert.Equal(t, "notification.DispatchWindow", attr.Value.String())
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		env       string
		debugSeen bool
	}{
		{env: "local", debugSeen: true},
		{env: "dev", debugSeen: true},
		{env: "prod", debugSeen: false},
		{env: "unknown", debugSeen: false},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			log := sl.SetupLogger(tt.env)
			assert.NotNil(t, log)
			assert.Equal(t, tt.debugSeen, log.Enabled(t.Context(), slog.LevelDebug))
		})
	}
}
