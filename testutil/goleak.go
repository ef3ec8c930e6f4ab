package testutil

import "go.uber.org/goleak"

// GoleakOptions are passed to goleak.VerifyTestMain in packages that spawn
// long-lived goroutines.
var GoleakOptions = []goleak.Option{
	// The lib/pq connector keeps a dialer goroutine alive for the life of
	// the process.
	goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
}
