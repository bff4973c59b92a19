// Package filelock implements lease locks shared between processes through
// the filesystem. A Lock persists its holder and lease expiry in a small text
// file; a Semaphore keeps an aggregate file plus one ledger per owner in a
// directory. Expiry is the only recovery mechanism: a holder that dies
// without releasing blocks others until its lease runs out.
//
// Every read-modify-write runs under an exclusive advisory lock on the file
// being changed, so concurrent processes on the same host never interleave
// their updates. Waiting is done by polling, optionally shortened by release
// notifications delivered over a syncbus.Bus.
package filelock
