// Package proto defines the diagnostic log line grammar.
//
//	<tick> lock R<ceiling> (Prio=<before> change to=<after>)
//	<tick> unlock R<ceiling> (Prio=<before> change to=<after>)
//	<tick> start <task>
//	<tick> complete <task>
//	<tick> miss <task>
//	<tick> preempt|sleep|block|exit <from> <to>
package proto

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies a log record.
type Kind uint8

const (
	KindLock Kind = iota + 1
	KindUnlock
	KindStart
	KindComplete
	KindMiss
	KindSwitch
)

func (k Kind) String() string {
	switch k {
	case KindLock:
		return "lock"
	case KindUnlock:
		return "unlock"
	case KindStart:
		return "start"
	case KindComplete:
		return "complete"
	case KindMiss:
		return "miss"
	case KindSwitch:
		return "switch"
	default:
		return "unknown"
	}
}

// Record is one parsed log line. Only the fields of its Kind are set.
type Record struct {
	Tick uint64
	Kind Kind

	// lock / unlock
	Ceiling uint8
	Before  uint8
	After   uint8

	// start / complete / miss
	Task string

	// switch
	Reason string
	From   string
	To     string
}

var ErrMalformed = errors.New("proto: malformed log line")

// FormatLock renders a ceiling-mutex grant.
func FormatLock(tick uint64, ceiling, before, after uint8) string {
	return fmt.Sprintf("%d lock R%d (Prio=%d change to=%d)", tick, ceiling, before, after)
}

// FormatUnlock renders a ceiling-mutex release.
func FormatUnlock(tick uint64, ceiling, before, after uint8) string {
	return fmt.Sprintf("%d unlock R%d (Prio=%d change to=%d)", tick, ceiling, before, after)
}

func FormatStart(tick uint64, task string) string    { return fmt.Sprintf("%d start %s", tick, task) }
func FormatComplete(tick uint64, task string) string { return fmt.Sprintf("%d complete %s", tick, task) }
func FormatMiss(tick uint64, task string) string     { return fmt.Sprintf("%d miss %s", tick, task) }

// FormatSwitch renders a context switch; reason is one of preempt, sleep,
// block or exit.
func FormatSwitch(tick uint64, reason, from, to string) string {
	return fmt.Sprintf("%d %s %s %s", tick, reason, from, to)
}

// The padded form ("%5d   lock  R%1d  (Prio=%3d change to=%3d)") of the lab
// printouts parses too.
var mutexLine = regexp.MustCompile(`^\s*(\d+)\s+(lock|unlock)\s+R(\d+)\s+\(Prio=\s*(\d+)\s+change to=\s*(\d+)\)\s*$`)

// Parse decodes one log line.
func Parse(line string) (Record, error) {
	if m := mutexLine.FindStringSubmatch(line); m != nil {
		tick, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("%w: tick: %v", ErrMalformed, err)
		}
		var prio [3]uint8
		for i, s := range m[3:6] {
			v, err := strconv.ParseUint(s, 10, 8)
			if err != nil {
				return Record{}, fmt.Errorf("%w: %q: %v", ErrMalformed, line, err)
			}
			prio[i] = uint8(v)
		}
		r := Record{Tick: tick, Kind: KindLock, Ceiling: prio[0], Before: prio[1], After: prio[2]}
		if m[2] == "unlock" {
			r.Kind = KindUnlock
		}
		return r, nil
	}

	f := strings.Fields(line)
	if len(f) < 3 {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	tick, err := strconv.ParseUint(f[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: tick: %v", ErrMalformed, err)
	}
	r := Record{Tick: tick}
	switch f[1] {
	case "start", "complete", "miss":
		if len(f) != 3 {
			return Record{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		r.Task = f[2]
		switch f[1] {
		case "start":
			r.Kind = KindStart
		case "complete":
			r.Kind = KindComplete
		default:
			r.Kind = KindMiss
		}
	case "preempt", "sleep", "block", "exit":
		if len(f) != 4 {
			return Record{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		r.Kind = KindSwitch
		r.Reason = f[1]
		r.From = f[2]
		r.To = f[3]
	default:
		return Record{}, fmt.Errorf("%w: unknown event %q", ErrMalformed, f[1])
	}
	return r, nil
}
