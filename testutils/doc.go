// Package testutils provides cache backends for package tests.
//
//	func TestSync(t *testing.T) {
//		mc := testutils.NewSQLiteCache(t)
//		// mc is closed when the test ends.
//	}
//
// NewPostgresCache skips the test unless WEBMAIL_TEST_DATABASE_URL names a
// PostgreSQL database the tests may truncate.
package testutils
