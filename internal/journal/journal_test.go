package journal

import (
	"context"
	"errors"
	"math/big"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/agentpay/internal/settlement"
)

var started = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func finished() settlement.Session {
	return settlement.Session{
		ID:              "7b0c1d1e-0000-4000-8000-000000000001",
		Surface:         "tab",
		Flow:            settlement.FlowCredit,
		User:            common.HexToAddress("0xb1"),
		AgentID:         4,
		Amount:          big.NewInt(100_000),
		RequiredCredits: 10,
		State:           settlement.Delivered,
		Proof:           "0xpay",
		Txs:             []settlement.TxRecord{{Hash: "0xpay"}},
		StartedAt:       started,
		EndedAt:         started.Add(3 * time.Second),
	}
}

func TestEntryFrom(t *testing.T) {
	e := EntryFrom(finished())
	assert.Equal(t, "credit", e.Flow)
	assert.Equal(t, "delivered", e.State)
	assert.Equal(t, "0.100000", e.Amount)
	assert.Equal(t, []string{"0xpay"}, e.TxHashes)
	assert.Equal(t, common.HexToAddress("0xb1").Hex(), e.User)
}

func TestJournal_WritesQueuedSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settlement_sessions")).
		WithArgs("7b0c1d1e-0000-4000-8000-000000000001", "tab", "credit", "delivered", "", false,
			common.HexToAddress("0xb1").Hex(), sqlmock.AnyArg(), "0.100000", sqlmock.AnyArg(),
			"0xpay", sqlmock.AnyArg(), started, started.Add(3*time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	j := New(db, Options{Workers: 1}, zerolog.Nop())
	j.Record(finished())
	j.Close()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournal_RetriesFailedWrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settlement_sessions")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settlement_sessions")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	j := New(db, Options{Workers: 1, Backoff: time.Millisecond}, zerolog.Nop())
	j.Record(finished())
	j.Close()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournal_GivesUpAfterMaxAttempts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 2; i++ {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settlement_sessions")).
			WillReturnError(errors.New("connection refused"))
	}

	j := New(db, Options{Workers: 1, MaxAttempts: 2, Backoff: time.Millisecond}, zerolog.Nop())
	j.Record(finished())
	j.Close()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS settlement_sessions")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerify_ReportsProofsMissingFromLedger(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := started.Add(time.Hour)
	rows := sqlmock.NewRows([]string{"session_id", "flow", "proof", "ended_at"}).
		AddRow("s1", "direct", "0xAAA", started).
		AddRow("s2", "credit", "0xbbb", started.Add(time.Minute)).
		AddRow("s3", "purchase", "0xccc", started.Add(2*time.Minute))
	mock.ExpectQuery(regexp.QuoteMeta("FROM settlement_sessions")).
		WithArgs(sqlmock.AnyArg(), cutoff).
		WillReturnRows(rows)

	report, err := Verify(context.Background(), db, map[string]bool{"0xaaa": true, "0xccc": true}, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	require.Len(t, report.Missing, 1)
	assert.Equal(t, "s2", report.Missing[0].SessionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerify_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM settlement_sessions")).WillReturnError(errors.New("down"))
	_, err = Verify(context.Background(), db, nil, time.Now())
	assert.Error(t, err)
}
