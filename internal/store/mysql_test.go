package store_test

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/suite"

	"github.com/sentinel-intel/sentinel/internal/model"
	"github.com/sentinel-intel/sentinel/internal/store"
)

type MySQLSuite struct {
	suite.Suite
	mock  sqlmock.Sqlmock
	store *store.Store
}

func TestMySQLSuite(t *testing.T) {
	suite.Run(t, &MySQLSuite{})
}

func (s *MySQLSuite) SetupTest() {
	db, mock, err := sqlmock.New()
	s.Require().NoError(err)
	s.mock = mock
	s.store, err = store.New(db, model.DriverMySQL, store.WithClock(func() time.Time { return t0 }))
	s.Require().NoError(err)
}

func (s *MySQLSuite) TearDownTest() {
	s.NoError(s.mock.ExpectationsWereMet())
}

func (s *MySQLSuite) TestNew() {
	_, err := store.New(nil, model.DriverMySQL)
	s.Error(err)
}

func (s *MySQLSuite) TestUpsertTarget() {
	h := model.NewRunHandle("run-1", t0)
	s.mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO targets`) + `.*` + regexp.QuoteMeta(`id = LAST_INSERT_ID(id)`)).
		WithArgs("203.0.113.5", "Example", "Example ISP", "NL", "AS64500", nil, t0.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(42, 2))

	id, err := s.store.UpsertTarget(s.T().Context(), h, target("203.0.113.5"))
	s.NoError(err)
	s.Equal(int64(42), id)
}

func (s *MySQLSuite) TestUpsertService() {
	h := model.NewRunHandle("run-1", t0)
	testCases := []struct {
		title    string
		affected int64
		created  bool
	}{
		{title: "inserted", affected: 1, created: true},
		{title: "updated", affected: 2, created: false},
	}

	for _, tc := range testCases {
		s.Run(tc.title, func() {
			s.mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO services`) + `.*ON DUPLICATE KEY UPDATE`).
				WithArgs(int64(7), 502, "tcp", "Modbus", model.Unknown, model.Unknown,
					`["CVE-2021-1","CVE-2022-2"]`, 3, t0.UnixMilli(), t0.UnixMilli(), "run-1").
				WillReturnResult(sqlmock.NewResult(9, tc.affected))

			id, created, err := s.store.UpsertService(s.T().Context(), h, 7, modbus("CVE-2022-2", "CVE-2021-1"))
			s.NoError(err)
			s.Equal(int64(9), id)
			s.Equal(tc.created, created)
		})
	}
}

func (s *MySQLSuite) TestUpsertService_Error() {
	h := model.NewRunHandle("run-1", t0)
	s.mock.ExpectExec(`INSERT INTO services`).WillReturnError(errors.New("database is down"))

	id, _, err := s.store.UpsertService(s.T().Context(), h, 7, modbus())
	s.Error(err)
	s.True(model.IsPersistence(err))
	s.Zero(id)
}

func (s *MySQLSuite) TestCreateRun_Rollback() {
	s.mock.ExpectBegin()
	s.mock.ExpectExec(`INSERT INTO scan_runs`).
		WithArgs("run-1", t0.UnixMilli(), model.RunPending, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec(`UPDATE scan_runs SET status = \?`).
		WithArgs(model.RunRunning, "run-1", model.RunPending).
		WillReturnError(errors.New("lock wait timeout"))
	s.mock.ExpectRollback()

	err := s.store.CreateRun(s.T().Context(), "run-1", t0, "")
	s.True(model.IsPersistence(err))
}

func (s *MySQLSuite) TestFinishRun_AlreadyFinished() {
	s.mock.ExpectExec(`UPDATE scan_runs SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	s.mock.ExpectQuery(`SELECT status FROM scan_runs WHERE id = \?`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(model.RunFailed)))

	err := s.store.FinishRun(s.T().Context(), "run-1", t0, model.RunCounts{})
	s.ErrorIs(err, model.ErrAlreadyFinished)
}

func (s *MySQLSuite) TestFailRun_NotFound() {
	s.mock.ExpectExec(`UPDATE scan_runs SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	s.mock.ExpectQuery(`SELECT status FROM scan_runs`).
		WithArgs("run-9").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err := s.store.FailRun(s.T().Context(), "run-9", t0, model.ReasonTerminated, model.RunCounts{})
	s.ErrorIs(err, model.ErrNotFound)
}

func (s *MySQLSuite) TestCleanupStuck() {
	cutoff := t0.Add(-2 * time.Hour)
	s.mock.ExpectExec(`UPDATE scan_runs SET status = \?, failure_reason = \?, finished_at = \?\s+WHERE status = \? AND started_at < \?`).
		WithArgs(model.RunFailed, model.ReasonInterrupted, t0.UnixMilli(), model.RunRunning, cutoff.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.store.CleanupStuck(s.T().Context(), cutoff, t0)
	s.NoError(err)
	s.Equal(int64(3), n)
}

func (s *MySQLSuite) TestApplyRetention() {
	h := model.NewRunHandle("run-2", t0)
	s.mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM services WHERE last_run_id <> ? AND target_id IN (SELECT id FROM targets WHERE address IN (?, ?))`)).
		WithArgs("run-2", "198.51.100.7", "203.0.113.5").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.store.ApplyRetention(s.T().Context(), h, model.RetentionDelete, []string{"203.0.113.5", "198.51.100.7"})
	s.NoError(err)
	s.Equal(int64(4), n)
}
