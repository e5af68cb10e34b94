package repository

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignmailer/internal/apperr"
	"campaignmailer/internal/model"
	"campaignmailer/pkg/credseal"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestCampaignRepository_Create(t *testing.T) {
	mock := newMock(t)
	now := time.Now()
	start := now.Add(time.Hour)

	mock.ExpectQuery("INSERT INTO campaigns").
		WithArgs("c-1", "u-1", "spring", (*string)(nil), "Hi {{name}}", "Body", []string{},
			"csv-uploads/x.csv", "list.csv", start, "UTC").
		WillReturnRows(mock.NewRows([]string{"status", "created_at", "updated_at"}).AddRow("parsing", now, now))

	c := &model.Campaign{
		ID: "c-1", UserID: "u-1", Name: "spring", Subject: "Hi {{name}}", Body: "Body",
		FileKey: "csv-uploads/x.csv", OriginalFilename: "list.csv", StartTime: start, Timezone: "UTC",
	}
	repo := NewCampaignRepository(mock)
	require.NoError(t, repo.Create(context.Background(), mock, c))
	assert.Equal(t, model.CampaignParsing, c.Status)
	assert.Equal(t, now, c.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_GetByID_NotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("FROM campaigns WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := NewCampaignRepository(mock).GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrCampaignNotFound)
}

func TestCampaignRepository_MarkScheduled(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("UPDATE campaigns").
		WithArgs("c-1", 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE campaigns").
		WithArgs("c-1", 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewCampaignRepository(mock)
	ok, err := repo.MarkScheduled(context.Background(), "c-1", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkScheduled(context.Background(), "c-1", 3)
	require.NoError(t, err)
	assert.False(t, ok, "second transition must be a no-op")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_MarkFailed(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("SET status = 'failed'").
		WithArgs("c-1", "missing placeholders: name").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := NewCampaignRepository(mock).MarkFailed(context.Background(), "c-1", "missing placeholders: name")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailLogRepository_InsertConflict(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("INSERT INTO email_logs").
		WithArgs("c-1:0", "c-1", "u-1", "a@example.com", "sent", (*string)(nil), "s", "b").
		WillReturnError(pgx.ErrNoRows)

	l := &model.EmailLog{JobID: "c-1:0", CampaignID: "c-1", UserID: "u-1", Recipient: "a@example.com",
		Status: model.EmailSent, Subject: "s", Body: "b"}
	inserted, err := NewEmailLogRepository(mock).Insert(context.Background(), mock, l)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestOutcomeStore_Record(t *testing.T) {
	mock := newMock(t)
	now := time.Now()
	reason := "550 mailbox unavailable"

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO email_logs").
		WithArgs("c-1:4", "c-1", "u-1", "a@example.com", "failed", &reason, "s", "b").
		WillReturnRows(mock.NewRows([]string{"id", "created_at"}).AddRow(int64(11), now))
	mock.ExpectExec("SET failed_emails = failed_emails \\+ 1").
		WithArgs("c-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	store := NewOutcomeStore(mock)
	inserted, err := store.Record(context.Background(), &model.EmailLog{
		JobID: "c-1:4", CampaignID: "c-1", UserID: "u-1", Recipient: "a@example.com",
		Status: model.EmailFailed, Error: &reason, Subject: "s", Body: "b",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutcomeStore_Record_DuplicateSkipsCounter(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO email_logs").
		WithArgs("c-1:4", "c-1", "u-1", "a@example.com", "sent", (*string)(nil), "s", "b").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()

	store := NewOutcomeStore(mock)
	inserted, err := store.Record(context.Background(), &model.EmailLog{
		JobID: "c-1:4", CampaignID: "c-1", UserID: "u-1", Recipient: "a@example.com",
		Status: model.EmailSent, Subject: "s", Body: "b",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutcomeStore_Record_RollsBackOnCounterError(t *testing.T) {
	mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO email_logs").
		WillReturnRows(mock.NewRows([]string{"id", "created_at"}).AddRow(int64(12), now))
	mock.ExpectExec("SET sent_emails = sent_emails \\+ 1").
		WithArgs("c-1").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	store := NewOutcomeStore(mock)
	_, err := store.Record(context.Background(), &model.EmailLog{
		JobID: "c-1:5", CampaignID: "c-1", UserID: "u-1", Recipient: "b@example.com",
		Status: model.EmailSent, Subject: "s", Body: "b",
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachmentRepository_CountByUser(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("u-1").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(2))

	n, err := NewAttachmentRepository(mock).CountByUser(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUserRepository_GetByID_NotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("FROM users").
		WithArgs("u-x").
		WillReturnError(pgx.ErrNoRows)

	_, err := NewUserRepository(mock, nil).GetByID(context.Background(), "u-x")
	assert.ErrorIs(t, err, apperr.ErrUserNotFound)
}

func TestUserRepository_SealedCredentials(t *testing.T) {
	sealer, err := credseal.New(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, err)
	sealed, err := sealer.Seal("app-pass")
	require.NoError(t, err)

	mock := newMock(t)
	mock.ExpectQuery("FROM users").
		WithArgs("u-1").
		WillReturnRows(mock.NewRows([]string{"id", "email", "display_name", "oauth_refresh_token", "app_password"}).
			AddRow("u-1", "me@example.com", "Me", (*string)(nil), &sealed))

	u, err := NewUserRepository(mock, sealer).GetByID(context.Background(), "u-1")
	require.NoError(t, err)
	require.NotNil(t, u.AppPassword)
	assert.Equal(t, "app-pass", *u.AppPassword)
	assert.Nil(t, u.OAuthRefreshToken)
}

func TestUserRepository_SetCredentials_UnknownUser(t *testing.T) {
	mock := newMock(t)
	pw := "p"
	mock.ExpectExec("UPDATE users").
		WithArgs("u-x", &pw, (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := NewUserRepository(mock, nil).SetCredentials(context.Background(), "u-x", &pw, nil)
	assert.ErrorIs(t, err, apperr.ErrUserNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepository_Create(t *testing.T) {
	mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery("INSERT INTO email_templates").
		WithArgs("t-1", "u-1", "welcome", "Hi {{name}}", "Hello {{name}}, welcome").
		WillReturnRows(mock.NewRows([]string{"created_at"}).AddRow(now))

	tpl := &model.Template{ID: "t-1", UserID: "u-1", Name: "welcome", Subject: "Hi {{name}}", Body: "Hello {{name}}, welcome"}
	require.NoError(t, NewTemplateRepository(mock).Create(context.Background(), tpl))
	assert.Equal(t, now, tpl.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepository_ListByUser(t *testing.T) {
	mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery("FROM email_templates").
		WithArgs("u-1").
		WillReturnRows(mock.NewRows([]string{"id", "user_id", "name", "subject", "body", "created_at"}).
			AddRow("t-2", "u-1", "follow-up", "Again", "Second body here", now).
			AddRow("t-1", "u-1", "welcome", "Hi", "First body here", now.Add(-time.Hour)))

	list, err := NewTemplateRepository(mock).ListByUser(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t-2", list[0].ID)
	assert.Equal(t, "welcome", list[1].Name)
}

// 别人的模板对 UPDATE 来说就是不存在
func TestTemplateRepository_Update_OtherOwner(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("UPDATE email_templates").
		WithArgs("t-1", "u-2", "welcome", "Hi", "Hello there friend").
		WillReturnError(pgx.ErrNoRows)

	tpl := &model.Template{ID: "t-1", UserID: "u-2", Name: "welcome", Subject: "Hi", Body: "Hello there friend"}
	err := NewTemplateRepository(mock).Update(context.Background(), tpl)
	assert.ErrorIs(t, err, apperr.ErrTemplateNotFound)
}

func TestTemplateRepository_Delete(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("DELETE FROM email_templates").
		WithArgs("t-1", "u-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM email_templates").
		WithArgs("t-1", "u-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	repo := NewTemplateRepository(mock)
	require.NoError(t, repo.Delete(context.Background(), "t-1", "u-1"))
	assert.ErrorIs(t, repo.Delete(context.Background(), "t-1", "u-1"), apperr.ErrTemplateNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachmentRepository_CreateWithinLimit(t *testing.T) {
	cases := []struct {
		name    string
		owned   int
		wantErr error
	}{
		{"under limit", 2, nil},
		{"at limit", 3, apperr.ErrAttachmentLimit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").WithArgs("u-1").
				WillReturnRows(mock.NewRows([]string{"id"}).AddRow("u-1"))
			mock.ExpectQuery("SELECT COUNT").WithArgs("u-1").
				WillReturnRows(mock.NewRows([]string{"count"}).AddRow(tc.owned))
			if tc.wantErr == nil {
				mock.ExpectQuery("INSERT INTO attachments").
					WithArgs("att-1", "u-1", "cv.pdf", "attachments/cv.pdf", "application/pdf", int64(4)).
					WillReturnRows(mock.NewRows([]string{"created_at"}).AddRow(time.Now()))
			}

			a := &model.Attachment{ID: "att-1", UserID: "u-1", Name: "cv.pdf", BlobKey: "attachments/cv.pdf", MimeType: "application/pdf", Size: 4}
			err := NewAttachmentRepository(mock).CreateWithinLimit(context.Background(), mock, a, 3)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAttachmentRepository_CreateWithinLimit_UnknownUser(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("FOR UPDATE").WithArgs("ghost").WillReturnError(pgx.ErrNoRows)

	a := &model.Attachment{ID: "att-1", UserID: "ghost"}
	err := NewAttachmentRepository(mock).CreateWithinLimit(context.Background(), mock, a, 3)
	assert.ErrorIs(t, err, apperr.ErrUserNotFound)
}
