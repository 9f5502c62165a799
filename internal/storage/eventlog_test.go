package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogFilename(t *testing.T) {
	ts := time.Date(2024, 3, 15, 20, 4, 5, 0, time.UTC)
	assert.Equal(t, "1000-20240315-200405.log", logFilename(1000, ts))
}
