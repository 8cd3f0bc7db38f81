package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/refundtrack/tax-engine/internal/database"
	"github.com/refundtrack/tax-engine/internal/status"
)

func depositUser() *database.User {
	return &database.User{PaymentMethod: database.PaymentDirectDeposit}
}

func checkUser() *database.User {
	return &database.User{PaymentMethod: database.PaymentPaperCheck}
}

func TestMapNotReceivedBeforeReceived(t *testing.T) {
	// "Return Not Received" contains "received" as a substring; the ordered
	// rule list must classify it as no-update, never as in-process.
	assert.Nil(t, MapRawStatus("Return Not Received", depositUser()))
	assert.Nil(t, MapRawStatus("Your return has not been received.", depositUser()))
	assert.Nil(t, MapRawStatus("Return not yet processed", depositUser()))
}

func TestMapReceived(t *testing.T) {
	got := MapRawStatus("Return Received", depositUser())
	if assert.NotNil(t, got) {
		assert.Equal(t, status.RefundVerificacionEnProgreso, *got)
	}

	got = MapRawStatus("Your return is being processed.", depositUser())
	if assert.NotNil(t, got) {
		assert.Equal(t, status.RefundVerificacionEnProgreso, *got)
	}
}

func TestMapReviewed(t *testing.T) {
	got := MapRawStatus("Your return has been reviewed.", depositUser())
	if assert.NotNil(t, got) {
		assert.Equal(t, status.RefundVerificacionEnProgreso, *got)
	}
}

func TestMapRedeemedIgnoresPaymentMethod(t *testing.T) {
	for _, u := range []*database.User{depositUser(), checkUser()} {
		got := MapRawStatus("Your refund was redeemed on 04/12.", u)
		if assert.NotNil(t, got) {
			assert.Equal(t, status.RefundTaxesCompletados, *got)
		}
	}
}

func TestMapIssuedByPaymentMethod(t *testing.T) {
	got := MapRawStatus("Your refund has been issued.", depositUser())
	if assert.NotNil(t, got) {
		assert.Equal(t, status.RefundDepositoDirecto, *got)
	}

	got = MapRawStatus("Your refund was approved and sent.", checkUser())
	if assert.NotNil(t, got) {
		assert.Equal(t, status.RefundChequeEnCamino, *got)
	}
}

func TestMapUnmatchedIsNoUpdate(t *testing.T) {
	assert.Nil(t, MapRawStatus("System maintenance in progress", depositUser()))
	assert.Nil(t, MapRawStatus("", depositUser()))
}

func TestMapIsCaseInsensitive(t *testing.T) {
	got := MapRawStatus("RETURN RECEIVED", depositUser())
	if assert.NotNil(t, got) {
		assert.Equal(t, status.RefundVerificacionEnProgreso, *got)
	}
	assert.Nil(t, MapRawStatus("RETURN NOT RECEIVED", depositUser()))
}
