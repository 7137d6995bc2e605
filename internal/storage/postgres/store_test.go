package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	store.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return store, mock
}

func TestNewWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(nil, "", "")
	require.Error(t, err)
	_, err = NewWithPool(mock, "conversions; DROP TABLE x", "")
	require.Error(t, err)

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	assert.Equal(t, "conversions", store.conversions)
	assert.Equal(t, "interactions", store.interactions)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestUpsertConversion(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	rec := tracker.ConversionRecord{
		SessionID:                   "bw_1700000000000_abc_fp_x1y2z3",
		Fingerprint:                 "fp",
		BookingConfirmationDetected: true,
		EstimatedConversion:         true,
		ConfidenceScore:             0.99,
		DetectionMethod:             tracker.MethodConsoleStructured,
		ClientContactData:           &tracker.ClientData{ClientName: "Ana", ClientEmail: "ana@example.com"},
		SuccessIndicators: tracker.SuccessIndicators{
			DetectionMethod: tracker.MethodConsoleStructured,
			SignalKind:      tracker.KindStructuredClientData,
		},
		UpdatedAt: now,
	}
	clientJSON, err := json.Marshal(rec.ClientContactData)
	require.NoError(t, err)
	indicatorsJSON, err := json.Marshal(rec.SuccessIndicators)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO conversions").
		WithArgs(
			rec.SessionID,
			rec.Fingerprint,
			true,
			true,
			0.99,
			rec.DetectionMethod,
			clientJSON,
			indicatorsJSON,
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertConversion(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertConversionErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	require.Error(t, store.UpsertConversion(context.Background(), tracker.ConversionRecord{}))

	mock.ExpectExec("INSERT INTO conversions").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	err := store.UpsertConversion(context.Background(), tracker.ConversionRecord{SessionID: "bw_1"})
	require.ErrorContains(t, err, "upsert conversion")
	require.NoError(t, mock.ExpectationsWereMet())

	var nilStore *Store
	require.Error(t, nilStore.UpsertConversion(context.Background(), tracker.ConversionRecord{SessionID: "x"}))
}

func TestLoadConversion(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	indicators, err := json.Marshal(tracker.SuccessIndicators{
		DetectionMethod: tracker.MethodConsoleText,
		SignalKind:      tracker.KindConsoleArgument,
		Keyword:         "booking confirmed",
	})
	require.NoError(t, err)
	client := []byte(`{"clientName":"Ana","clientEmail":"ana@example.com"}`)

	mock.ExpectQuery("SELECT (.+) FROM conversions WHERE session_id").
		WithArgs("bw_1").
		WillReturnRows(pgxmock.NewRows([]string{
			"fingerprint", "booking_confirmation_detected", "estimated_conversion", "confidence_score",
			"detection_method", "client_contact_data", "success_indicators", "updated_at",
		}).AddRow("fp", true, true, 0.95, tracker.MethodConsoleText, client, indicators, at))

	rec, found, err := store.LoadConversion(context.Background(), "bw_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "bw_1", rec.SessionID)
	assert.InDelta(t, 0.95, rec.ConfidenceScore, 1e-9)
	assert.Equal(t, tracker.KindConsoleArgument, rec.SuccessIndicators.SignalKind)
	assert.Equal(t, "booking confirmed", rec.SuccessIndicators.Keyword)
	require.NotNil(t, rec.ClientContactData)
	assert.Equal(t, "Ana", rec.ClientContactData.ClientName)
	assert.True(t, rec.UpdatedAt.Equal(at))

	mock.ExpectQuery("SELECT (.+) FROM conversions WHERE session_id").
		WithArgs("bw_2").
		WillReturnError(pgx.ErrNoRows)
	_, found, err = store.LoadConversion(context.Background(), "bw_2")
	require.NoError(t, err)
	assert.False(t, found)

	mock.ExpectQuery("SELECT (.+) FROM conversions WHERE session_id").
		WithArgs("bw_3").
		WillReturnError(errors.New("connection reset"))
	_, _, err = store.LoadConversion(context.Background(), "bw_3")
	require.ErrorContains(t, err, "load conversion")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordInteractionsBatchInsert(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	batch := []tracker.Interaction{
		{ID: "e1", SessionID: "bw_1", Type: "click", Selector: "#book", Coords: &tracker.Coords{X: 10, Y: 20}, At: at},
		{ID: "e2", SessionID: "bw_1", Type: "scroll", TimestampOffsetSeconds: 1.5, At: at},
	}

	mock.ExpectExec(`(?s)INSERT INTO interactions .* VALUES \(\$1,\$2,\$3,\$4,\$5,\$6,\$7,\$8,\$9,\$10\),\(\$11,.*\$20\) ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(
			"e1", "bw_1", "click", "#book", "", []byte(`{"x":10,"y":20}`), 0.0, "", []byte(nil), at,
			"e2", "bw_1", "scroll", "", "", []byte(nil), 1.5, "", []byte(nil), at,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	require.NoError(t, store.RecordInteractions(context.Background(), batch))
	require.NoError(t, store.RecordInteractions(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS conversions").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitReadyRetriesPing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(errors.New("starting up"))
	mock.ExpectPing()
	require.NoError(t, store.waitReady(context.Background(), 3))
	require.NoError(t, mock.ExpectationsWereMet())

	store2, mock2 := newMockStore(t)
	mock2.ExpectPing().WillReturnError(errors.New("down"))
	mock2.ExpectPing().WillReturnError(errors.New("down"))
	err := store2.waitReady(context.Background(), 1)
	require.ErrorContains(t, err, "ping postgres")
	require.NoError(t, mock2.ExpectationsWereMet())
}
