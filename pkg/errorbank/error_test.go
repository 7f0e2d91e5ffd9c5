package errorbank

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorCodeAndDetails(t *testing.T) {
	cause := errors.New("row locked")
	err := Conflict("auction is busy",
		WithCode("auction_not_active"),
		WithCause(cause),
		WithDetail("status", "ENDED"),
	)

	assert.Equal(t, KindConflict, err.Kind())
	assert.Equal(t, "auction_not_active", err.Code())
	assert.Equal(t, "ENDED", err.Details()["status"])
	assert.Equal(t, http.StatusConflict, err.StatusCode())
	require.ErrorIs(t, err, cause)
}

func TestHasCode(t *testing.T) {
	err := Unprocessable("bid below minimum increment", WithCode("bid_too_low"))
	wrapped := fmt.Errorf("placing bid: %w", err)

	assert.True(t, HasCode(wrapped, "bid_too_low"))
	assert.False(t, HasCode(wrapped, "self_bid"))
	assert.False(t, HasCode(errors.New("plain"), "bid_too_low"))
	assert.False(t, HasCode(nil, "bid_too_low"))
}
