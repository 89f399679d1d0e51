package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryClassification(t *testing.T) {
	transient := NewTransient("broker down", nil)
	business := NewBusiness("insufficient funds", nil)
	conflict := NewConflict("saga", nil)

	assert.True(t, IsRetryable(transient))
	assert.False(t, IsRetryable(business))
	assert.False(t, IsRetryable(conflict))

	assert.True(t, IsBusiness(business))
	assert.False(t, IsBusiness(transient))

	assert.True(t, IsConflict(conflict))
	assert.False(t, IsConflict(business))
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("step charge: %w", NewTransient("gateway timeout", nil))
	assert.True(t, IsRetryable(err))

	err = fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", NewBusiness("declined", nil)))
	assert.True(t, IsBusiness(err))
}

func TestPlainErrorsAreNotRetryable(t *testing.T) {
	assert.False(t, IsRetryable(fmt.Errorf("some error")))
	assert.False(t, IsRetryable(nil))
}

func TestCompensationFailedCarriesStep(t *testing.T) {
	err := NewCompensationFailed("release_hold", fmt.Errorf("ledger down"))
	assert.Contains(t, err.Error(), "release_hold")
	assert.False(t, IsRetryable(err))
}
