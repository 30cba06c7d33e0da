package scylla

import (
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStatements(t *testing.T) {
	stmts := defaultStatements()

	t.Run("every statement populated", func(t *testing.T) {
		v := reflect.ValueOf(*stmts)
		for i := 0; i < v.NumField(); i++ {
			name := v.Type().Field(i).Name
			assert.NotEmpty(t, v.Field(i).String(), "statement %s is empty", name)
		}
	})

	t.Run("statement values are plain CQL, bindable per call", func(t *testing.T) {
		// Repositories build a fresh query from these strings on each
		// call, so the struct must hold text, never pre-bound queries.
		v := reflect.ValueOf(*stmts)
		for i := 0; i < v.NumField(); i++ {
			require.Equal(t, reflect.String, v.Field(i).Kind())
		}
	})

	t.Run("attempt increment is conditional", func(t *testing.T) {
		assert.Contains(t, stmts.UpdateOTPAttempts, "IF attempts = ?")
	})

	t.Run("writes with retention carry a TTL clause", func(t *testing.T) {
		assert.Contains(t, stmts.CreateOTP, "USING TTL ?")
		assert.Contains(t, stmts.UpsertBlacklist, "USING TTL ?")
	})

	t.Run("latest-record lookup returns a single row", func(t *testing.T) {
		assert.Contains(t, stmts.GetLatestOTP, "LIMIT 1")
	})

	t.Run("calls do not share statement instances", func(t *testing.T) {
		assert.NotSame(t, defaultStatements(), defaultStatements())
	})
}

func TestStatementPlaceholderCounts(t *testing.T) {
	stmts := defaultStatements()

	// Binding panics at runtime when the argument count drifts from the
	// placeholder count, so pin the ones the repositories hardcode.
	cases := []struct {
		name string
		cql  string
		want int
	}{
		{"CreateOTP", stmts.CreateOTP, 17},
		{"GetLatestOTP", stmts.GetLatestOTP, 3},
		{"GetRecentOTPs", stmts.GetRecentOTPs, 2},
		{"UpdateOTPAttempts", stmts.UpdateOTPAttempts, 6},
		{"MarkOTPVerified", stmts.MarkOTPVerified, 5},
		{"UpsertBlacklist", stmts.UpsertBlacklist, 6},
		{"GetBlacklist", stmts.GetBlacklist, 1},
		{"DeleteBlacklist", stmts.DeleteBlacklist, 1},
		{"GetAccountLookup", stmts.GetAccountLookup, 1},
		{"GetAccountByID", stmts.GetAccountByID, 1},
		{"MarkPhoneVerified", stmts.MarkPhoneVerified, 2},
		{"MarkEmailVerified", stmts.MarkEmailVerified, 2},
		{"CreateAccount", stmts.CreateAccount, 7},
		{"CreateAccountLookup", stmts.CreateAccountLookup, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, strings.Count(tc.cql, "?"))
		})
	}
}
