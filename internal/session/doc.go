// Package session implements the Device Session Directory: who owns which
// device right now, and which instances host listeners for which user.
//
// Two stores satisfy Directory: SQLiteDirectory (single host, the default)
// and PostgresDirectory (shared by instances on different hosts). A record
// whose heartbeat has lapsed past the staleness threshold is reported with
// Stale set and never names an owner.
//
// Keeper refreshes this instance's sessions on an interval and removes
// stale sessions left behind by instances that died without cleaning up.
package session
