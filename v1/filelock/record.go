package filelock

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// record is the content of a lease file: the owner on the first line and the
// lease expiry on the second.
type record struct {
	owner   string
	expires time.Time
}

func (r record) encode() []byte {
	return []byte(r.owner + "\n" + r.expires.UTC().Format(time.RFC3339Nano) + "\n")
}

// live reports whether the lease still binds others at now.
func (r record) live(now time.Time) bool {
	return r.owner != "" && !r.expires.Before(now)
}

func (r record) heldByOther(owner string, now time.Time) bool {
	return r.live(now) && r.owner != owner
}

func parseRecord(b []byte) (record, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return record{}, nil
	}
	lines := strings.SplitN(string(b), "\n", 3)
	if len(lines) < 2 {
		return record{}, fmt.Errorf("lease record: missing expiry")
	}
	expires, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(lines[1]))
	if err != nil {
		return record{}, fmt.Errorf("lease record: %w", err)
	}
	return record{owner: strings.TrimSpace(lines[0]), expires: expires}, nil
}

// ValidateOwner rejects owners that cannot be stored in a lease file or used
// as part of a file name.
func ValidateOwner(owner string) error {
	if strings.TrimSpace(owner) == "" || strings.ContainsAny(owner, "/\\\x00\n\r") {
		return fmt.Errorf("%w: %q", latcherrors.ErrInvalidOwner, owner)
	}
	return nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00\n\r") {
		return fmt.Errorf("%w: %q", latcherrors.ErrInvalidName, name)
	}
	return nil
}

// ledger is a semaphore holder's entry: slot count, then lease expiry.
type ledger struct {
	count   int
	expires time.Time
}

func (l ledger) encode() []byte {
	return []byte(fmt.Sprintf("%d\n%s\n", l.count, l.expires.UTC().Format(time.RFC3339Nano)))
}

func (l ledger) live(now time.Time) bool {
	return l.count > 0 && !l.expires.Before(now)
}

func parseLedger(b []byte) (ledger, error) {
	fields := strings.Fields(string(b))
	if len(fields) < 2 {
		return ledger{}, fmt.Errorf("ledger: truncated")
	}
	count, err := strconv.Atoi(fields[0])
	if err != nil {
		return ledger{}, fmt.Errorf("ledger: count: %w", err)
	}
	expires, err := time.Parse(time.RFC3339Nano, fields[1])
	if err != nil {
		return ledger{}, fmt.Errorf("ledger: expiry: %w", err)
	}
	return ledger{count: count, expires: expires}, nil
}

// aggregate is the semaphore summary file: capacity and acquired count as
// fixed-width lines, then the earliest live expiry (empty when nobody holds).
type aggregate struct {
	capacity int
	acquired int
	earliest time.Time
}

const aggregateWidth = 10

func (a aggregate) encode() []byte {
	earliest := ""
	if !a.earliest.IsZero() {
		earliest = a.earliest.UTC().Format(time.RFC3339Nano)
	}
	return []byte(fmt.Sprintf("%0*d\n%0*d\n%s\n", aggregateWidth, a.capacity, aggregateWidth, a.acquired, earliest))
}

func parseAggregate(b []byte) (aggregate, error) {
	var a aggregate
	sc := bufio.NewScanner(bytes.NewReader(b))
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) < 2 {
		return aggregate{}, fmt.Errorf("semaphore aggregate: truncated")
	}
	var err error
	if a.capacity, err = strconv.Atoi(strings.TrimSpace(lines[0])); err != nil {
		return aggregate{}, fmt.Errorf("semaphore aggregate: capacity: %w", err)
	}
	if a.acquired, err = strconv.Atoi(strings.TrimSpace(lines[1])); err != nil {
		return aggregate{}, fmt.Errorf("semaphore aggregate: acquired: %w", err)
	}
	if len(lines) > 2 && lines[2] != "" {
		t, err := time.Parse(time.RFC3339Nano, lines[2])
		if err != nil {
			return aggregate{}, fmt.Errorf("semaphore aggregate: expiry: %w", err)
		}
		a.earliest = t
	}
	return a, nil
}
