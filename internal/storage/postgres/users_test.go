package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userRows(id uuid.UUID, tier string, remaining int) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(columnsOf(userColumns)).
		AddRow(id.String(), "VK-AAAA-BBBB-CCCC-DDDD", "hw-1", tier, remaining, int64(4), nil, now, nil)
}

func TestRedeemCodeUpgradesUser(t *testing.T) {
	db, mock := newMock(t)
	store := NewUserStore(db)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)UPDATE supporter_codes SET used_by = \$1.*WHERE code = \$2 AND used_by IS NULL`).
		WithArgs(id, "SUPPORT-AAAA-BBBB-CCCC").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}).AddRow("supporter"))
	mock.ExpectQuery(`(?s)UPDATE users SET tier = \$2, free_speeches_remaining = -1`).
		WithArgs(id, core.TierSupporter, "SUPPORT-AAAA-BBBB-CCCC").
		WillReturnRows(userRows(id, "supporter", -1))
	mock.ExpectCommit()

	u, err := store.RedeemCode(context.Background(), id, "SUPPORT-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	assert.Equal(t, core.TierSupporter, u.Tier)
	assert.True(t, u.UnlimitedSpeeches())
}

func TestRedeemCodeAlreadyUsed(t *testing.T) {
	db, mock := newMock(t)
	store := NewUserStore(db)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE supporter_codes SET`).
		WithArgs(id, "SUPPORT-USED-USED-USED").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("SUPPORT-USED-USED-USED").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := store.RedeemCode(context.Background(), id, "SUPPORT-USED-USED-USED")
	assert.ErrorIs(t, err, quota.ErrCodeUsed)
}

func TestRedeemCodeUnknown(t *testing.T) {
	db, mock := newMock(t)
	store := NewUserStore(db)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE supporter_codes SET`).
		WithArgs(id, "NOPE").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("NOPE").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := store.RedeemCode(context.Background(), id, "NOPE")
	assert.ErrorIs(t, err, quota.ErrInvalidCode)
}

func TestReserveSpeechKeepsUnlimited(t *testing.T) {
	db, mock := newMock(t)
	store := NewUserStore(db)
	id := uuid.New()

	mock.ExpectQuery(`(?s)UPDATE users SET\s+free_speeches_remaining = CASE.*WHERE id = \$1 AND \(tier <> 'free' OR free_speeches_remaining <> 0\)`).
		WithArgs(id).
		WillReturnRows(userRows(id, "premium", -1))

	u, err := store.ReserveSpeech(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.UnlimitedSpeeches, u.FreeSpeechesRemaining)
}

func TestReserveSpeechExhausted(t *testing.T) {
	db, mock := newMock(t)
	store := NewUserStore(db)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE users SET`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(columnsOf(userColumns)))

	_, err := store.ReserveSpeech(context.Background(), id)
	assert.ErrorIs(t, err, quota.ErrAllowanceExhausted)
}

func TestReleaseSpeechOnlyRefundsFiniteAllowance(t *testing.T) {
	db, mock := newMock(t)
	store := NewUserStore(db)
	id := uuid.New()

	mock.ExpectExec(`UPDATE users SET free_speeches_remaining = free_speeches_remaining \+ 1\s+WHERE id = \$1 AND tier = 'free' AND free_speeches_remaining <> -1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.ReleaseSpeech(context.Background(), id))
}

func TestRecordSpeechBumpsTotal(t *testing.T) {
	db, mock := newMock(t)
	store := NewUserStore(db)
	id := uuid.New()

	mock.ExpectQuery(`(?s)UPDATE users SET\s+total_speeches_generated = total_speeches_generated \+ 1`).
		WithArgs(id).
		WillReturnRows(userRows(id, "free", 3))

	u, err := store.RecordSpeech(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, u.FreeSpeechesRemaining)
}

func TestCreateCodesRollsBackOnDuplicate(t *testing.T) {
	db, mock := newMock(t)
	store := NewUserStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO supporter_codes`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO supporter_codes`).WillReturnError(duplicateErr())
	mock.ExpectRollback()

	codes := []core.SupporterCode{
		{ID: uuid.New(), Code: "SUPPORT-A", Tier: core.TierSupporter, CreatedBy: "admin"},
		{ID: uuid.New(), Code: "SUPPORT-A", Tier: core.TierSupporter, CreatedBy: "admin"},
	}
	err := store.CreateCodes(context.Background(), codes)
	require.Error(t, err)
}
