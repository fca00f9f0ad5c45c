package webhookevent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursekit/billing/internal/models"
	"github.com/coursekit/billing/internal/platform/db"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	gdb := newTestDB(t)
	return New(gdb, zap.NewNop().Sugar(), time.Minute), gdb
}

func eventStatus(t *testing.T, gdb *gorm.DB, eventID string) models.WebhookEventStatus {
	t.Helper()
	var rec models.WebhookEvent
	require.NoError(t, gdb.Where("external_event_id = ?", eventID).First(&rec).Error)
	return rec.Status
}

func TestBeginProcessingFirstDeliveryWins(t *testing.T) {
	svc, gdb := newTestService(t)
	ctx := context.Background()

	begin, err := svc.BeginProcessing(ctx, "evt_1", "checkout.session.completed", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, BeginFresh, begin)

	begin, err = svc.BeginProcessing(ctx, "evt_1", "checkout.session.completed", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, BeginAlreadyProcessed, begin)

	var count int64
	require.NoError(t, gdb.Model(&models.WebhookEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestProcessedEventNeverReopens(t *testing.T) {
	svc, gdb := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginProcessing(ctx, "evt_1", "t", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, "evt_1"))
	require.NoError(t, svc.MarkProcessed(ctx, "evt_1"))

	begin, err := svc.BeginProcessing(ctx, "evt_1", "t", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, BeginAlreadyProcessed, begin)
	assert.Equal(t, models.WebhookEventStatusProcessed, eventStatus(t, gdb, "evt_1"))
}

func TestFailedEventIsReclaimedOnRedelivery(t *testing.T) {
	svc, gdb := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginProcessing(ctx, "evt_1", "t", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, "evt_1"))
	require.NoError(t, svc.MarkFailed(ctx, "evt_1", errors.New("downstream unavailable")))
	assert.Equal(t, models.WebhookEventStatusFailed, eventStatus(t, gdb, "evt_1"))

	begin, err := svc.BeginProcessing(ctx, "evt_1", "t", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, BeginFresh, begin)
	assert.Equal(t, models.WebhookEventStatusReceived, eventStatus(t, gdb, "evt_1"))

	var rec models.WebhookEvent
	require.NoError(t, gdb.Where("external_event_id = ?", "evt_1").First(&rec).Error)
	assert.Nil(t, rec.ErrorMessage)
}

func TestStuckProcessingIsReclaimedAfterTimeout(t *testing.T) {
	svc, gdb := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginProcessing(ctx, "evt_1", "t", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, "evt_1"))

	// Fresh PROCESSING is assumed in flight.
	begin, err := svc.BeginProcessing(ctx, "evt_1", "t", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, BeginAlreadyProcessed, begin)

	// Age the record past the stuck timeout.
	require.NoError(t, gdb.Model(&models.WebhookEvent{}).
		Where("external_event_id = ?", "evt_1").
		UpdateColumn("updated_at", time.Now().Add(-2*time.Minute)).Error)

	begin, err = svc.BeginProcessing(ctx, "evt_1", "t", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, BeginFresh, begin)
}

func TestStalledReceivedIsReclaimedAfterTimeout(t *testing.T) {
	svc, gdb := newTestService(t)
	ctx := context.Background()

	// A crash (or failed MarkProcessing) right after the insert leaves
	// the record in RECEIVED with no handler having run.
	begin, err := svc.BeginProcessing(ctx, "evt_1", "t", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, BeginFresh, begin)

	// A fresh RECEIVED record is in flight; redelivery short-circuits.
	begin, err = svc.BeginProcessing(ctx, "evt_1", "t", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, BeginAlreadyProcessed, begin)

	require.NoError(t, gdb.Model(&models.WebhookEvent{}).
		Where("external_event_id = ?", "evt_1").
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	begin, err = svc.BeginProcessing(ctx, "evt_1", "t", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, BeginFresh, begin)

	// The reclaim bumps updated_at, so a racing redelivery arriving right
	// behind the winner is back inside the in-flight window.
	begin, err = svc.BeginProcessing(ctx, "evt_1", "t", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, BeginAlreadyProcessed, begin)
}

func TestMarkIgnored(t *testing.T) {
	svc, gdb := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginProcessing(ctx, "evt_1", "product.created", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.MarkIgnored(ctx, "evt_1"))
	assert.Equal(t, models.WebhookEventStatusIgnored, eventStatus(t, gdb, "evt_1"))
}

func TestDoubleMarkProcessedIsNoop(t *testing.T) {
	svc, gdb := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginProcessing(ctx, "evt_1", "t", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, "evt_1"))
	require.NoError(t, svc.MarkProcessed(ctx, "evt_1"))
	require.NoError(t, svc.MarkProcessed(ctx, "evt_1"))
	assert.Equal(t, models.WebhookEventStatusProcessed, eventStatus(t, gdb, "evt_1"))
}

func TestListStuck(t *testing.T) {
	svc, gdb := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginProcessing(ctx, "evt_stuck", "t", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, "evt_stuck"))
	require.NoError(t, gdb.Model(&models.WebhookEvent{}).
		Where("external_event_id = ?", "evt_stuck").
		UpdateColumn("updated_at", time.Now().Add(-10*time.Minute)).Error)

	// Orphaned before MarkProcessing; just as stuck as the one above.
	_, err = svc.BeginProcessing(ctx, "evt_stalled", "t", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, gdb.Model(&models.WebhookEvent{}).
		Where("external_event_id = ?", "evt_stalled").
		UpdateColumn("updated_at", time.Now().Add(-10*time.Minute)).Error)

	_, err = svc.BeginProcessing(ctx, "evt_live", "t", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessing(ctx, "evt_live"))

	stuck, err := svc.ListStuck(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 2)
	assert.Equal(t, "evt_stuck", stuck[0].ExternalEventID)
	assert.Equal(t, "evt_stalled", stuck[1].ExternalEventID)
}
