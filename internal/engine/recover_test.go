package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecideRecovery(t *testing.T) {
	const cutoff = 15 * time.Minute

	// Resumable handlers are re-entered no matter how stale
	assert.Equal(t, RecoveryResume,
		DecideRecovery(true, 20*time.Minute, cutoff, 3, 3))
	assert.Equal(t, RecoveryResume,
		DecideRecovery(true, 2*time.Minute, cutoff, 1, 3))

	// A fresh-ish attempt with budget left gets retried
	assert.Equal(t, RecoveryRetryStep,
		DecideRecovery(false, 2*time.Minute, cutoff, 1, 3))
	assert.Equal(t, RecoveryRetryStep,
		DecideRecovery(false, 14*time.Minute, cutoff, 2, 3))

	// Past the hard cutoff the step fails regardless of budget
	assert.Equal(t, RecoveryMarkFailed,
		DecideRecovery(false, 20*time.Minute, cutoff, 1, 3))
	assert.Equal(t, RecoveryMarkFailed,
		DecideRecovery(false, cutoff, cutoff, 1, 3))

	// Exhausted budget fails even when recent
	assert.Equal(t, RecoveryMarkFailed,
		DecideRecovery(false, 2*time.Minute, cutoff, 3, 3))
}
