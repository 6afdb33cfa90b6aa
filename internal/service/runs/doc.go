// Package runs implements the lease-based run queue on top of repo.Store.
//
// States:
//   - queued -> claimed -> running -> completed | failed
//   - any non-terminal state -> canceled
//
// Claim hands the oldest eligible run to a worker under a time-bounded lease.
// A claimed or running run whose lease lapsed is eligible again; reclaiming it
// never resets Attempts. Start clears the lease, so a run that reached running
// stays with its worker until a terminal call or an operator cancel.
//
// Every transition locks the run, writes the run, projects the status onto
// the owning session and synchronizes the scheduled task in one transaction.
// Rejected ownership attempts are audited outside that transaction so the
// record survives the rollback.
package runs
