package database_test

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// expectationsMet fails the test if any sqlmock expectation was not satisfied.
func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}
