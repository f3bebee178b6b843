package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wardenhq/warden/internal/config"
)

func TestObjectNamesAreDayPartitioned(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	assert.Equal(t, "tasks/2026-03-14/t-123.json", TaskObjectName("t-123", at))
	assert.Equal(t, "approvals/2026-03-14/a-456.json", ApprovalObjectName("a-456", at))

	// Local times key by their UTC day.
	loc := time.FixedZone("UTC+11", 11*3600)
	late := time.Date(2026, 3, 15, 1, 0, 0, 0, loc)
	assert.Equal(t, "tasks/2026-03-14/t-123.json", TaskObjectName("t-123", late))
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), config.ArchiveConfig{Bucket: "warden"})
	assert.Error(t, err)

	_, err = New(context.Background(), config.ArchiveConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}
