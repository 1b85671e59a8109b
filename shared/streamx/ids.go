package streamx

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type streamID struct {
	ms  uint64
	seq uint64
}

var (
	minID = streamID{}
	maxID = streamID{ms: math.MaxUint64, seq: math.MaxUint64}
)

func (id streamID) String() string {
	return strconv.FormatUint(id.ms, 10) + "-" + strconv.FormatUint(id.seq, 10)
}

func (id streamID) less(o streamID) bool {
	if id.ms != o.ms {
		return id.ms < o.ms
	}
	return id.seq < o.seq
}

func (id streamID) next() streamID {
	if id.seq == math.MaxUint64 {
		return streamID{ms: id.ms + 1}
	}
	return streamID{ms: id.ms, seq: id.seq + 1}
}

// parseID accepts "ms-seq" or a bare "ms". A bare ms takes missingSeq.
func parseID(raw string, missingSeq uint64) (streamID, error) {
	msPart, seqPart, hasSeq := strings.Cut(strings.TrimSpace(raw), "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	if !hasSeq {
		return streamID{ms: ms, seq: missingSeq}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return streamID{ms: ms, seq: seq}, nil
}

// parseStart resolves a range start bound to the first id it admits.
func parseStart(raw string) (streamID, error) {
	switch raw {
	case "", RangeStart:
		return minID, nil
	case RangeEnd:
		return maxID, nil
	}
	if strings.HasPrefix(raw, "(") {
		id, err := parseID(raw[1:], 0)
		if err != nil {
			return streamID{}, err
		}
		if id == maxID {
			return maxID, fmt.Errorf("%w: %q", ErrInvalidID, raw)
		}
		return id.next(), nil
	}
	return parseID(raw, 0)
}

// parseEnd resolves a range end bound to the last id it admits. ok is false
// when the bound excludes everything.
func parseEnd(raw string) (streamID, bool, error) {
	switch raw {
	case "", RangeEnd:
		return maxID, true, nil
	case RangeStart:
		return minID, true, nil
	}
	if strings.HasPrefix(raw, "(") {
		id, err := parseID(raw[1:], math.MaxUint64)
		if err != nil {
			return streamID{}, false, err
		}
		if id == minID {
			return minID, false, nil
		}
		if id.seq == 0 {
			return streamID{ms: id.ms - 1, seq: math.MaxUint64}, true, nil
		}
		return streamID{ms: id.ms, seq: id.seq - 1}, true, nil
	}
	id, err := parseID(raw, math.MaxUint64)
	return id, true, err
}

// CompareIDs orders two stream ids. Unparseable ids sort first.
func CompareIDs(a, b string) int {
	ia, errA := parseID(a, 0)
	ib, errB := parseID(b, 0)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	case ia.less(ib):
		return -1
	case ib.less(ia):
		return 1
	default:
		return 0
	}
}

// ValidID reports whether raw is a concrete "ms-seq" entry id.
func ValidID(raw string) bool {
	if !strings.Contains(raw, "-") {
		return false
	}
	_, err := parseID(raw, 0)
	return err == nil
}
