// Package remote applies config_fix proposals to hosts reachable over SSH.
//
// Targets use the form "ssh:host[:port]". The executor writes the file named
// by the "path" parameter through SFTP, keeps the original in a backup file
// keyed by the proposal's idempotency key, and runs optional validate and
// reload commands. A failed validation restores the original before the
// error is returned.
//
//	dialer, err := remote.NewSSHDialer(remote.DefaultConfig("deploy"), logger)
//	if err != nil {
//		return err
//	}
//	executors[engine.ActionConfigFix] = remote.NewConfigFixExecutor(dialer, logger)
package remote
