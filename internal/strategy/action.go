package strategy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wildcard is the proxy's "match anything" token for addresses, state
// gates, offsets, and parameters.
const Wildcard = "*"

// actionFields is the number of comma-delimited fields in one action line.
const actionFields = 8

// -------------------------------------------------------------------------
// Action Codes
// -------------------------------------------------------------------------

// ActionCode names one manipulation understood by the mutation proxy.
type ActionCode string

// Manipulation actions. TIME and ACTIVE are query pseudo-actions that reuse
// the action framing; CLEAR resets all proxy rules.
const (
	CodeDiv      ActionCode = "DIV"
	CodeDup      ActionCode = "DUP"
	CodeBurst    ActionCode = "BURST"
	CodePreAck   ActionCode = "PREACK"
	CodeRenege   ActionCode = "RENEGE"
	CodeForceAck ActionCode = "FORCEACK"
	CodeLimitAck ActionCode = "LIMITACK"
	CodeDrop     ActionCode = "DROP"
	CodeInject   ActionCode = "INJECT"
	CodeClear    ActionCode = "CLEAR"
	CodeTime     ActionCode = "TIME"
	CodeActive   ActionCode = "ACTIVE"
)

//nolint:gochecknoglobals // Lookup table is intentionally package-level.
var knownCodes = map[ActionCode]struct{}{
	CodeDiv:      {},
	CodeDup:      {},
	CodeBurst:    {},
	CodePreAck:   {},
	CodeRenege:   {},
	CodeForceAck: {},
	CodeLimitAck: {},
	CodeDrop:     {},
	CodeInject:   {},
	CodeClear:    {},
	CodeTime:     {},
	CodeActive:   {},
}

// Valid reports whether c is a recognized action code.
func (c ActionCode) Valid() bool {
	_, ok := knownCodes[c]
	return ok
}

// String returns the wire representation of the code.
func (c ActionCode) String() string { return string(c) }

// -------------------------------------------------------------------------
// Locus
// -------------------------------------------------------------------------

// Locus tells whether a manipulation is applied by the inline proxy
// (OnPath) or by out-of-band injection (OffPath).
type Locus string

const (
	// OnPath manipulations are applied by the inline mutation proxy.
	OnPath Locus = "OnPath"

	// OffPath manipulations require out-of-band packet injection.
	OffPath Locus = "OffPath"
)

// Valid reports whether l is OnPath or OffPath.
func (l Locus) Valid() bool {
	return l == OnPath || l == OffPath
}

// -------------------------------------------------------------------------
// Offsets
// -------------------------------------------------------------------------

// Offset is a packet/byte offset bounding an action's effect. AnyOffset
// serializes as the wildcard.
type Offset int64

// AnyOffset is the wildcard offset.
const AnyOffset Offset = -1

// String returns the decimal offset, or "*" for AnyOffset.
func (o Offset) String() string {
	if o == AnyOffset {
		return Wildcard
	}
	return strconv.FormatInt(int64(o), 10)
}

// ParseOffset parses a decimal offset or the wildcard.
func ParseOffset(s string) (Offset, error) {
	s = strings.TrimSpace(s)
	if s == Wildcard {
		return AnyOffset, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse offset %q: %w", s, ErrInvalidAction)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative offset %d: %w", v, ErrInvalidAction)
	}
	return Offset(v), nil
}

// -------------------------------------------------------------------------
// Action
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidAction indicates a malformed action line or field.
	ErrInvalidAction = errors.New("invalid action")

	// ErrUnknownActionCode indicates an action code the proxy does not know.
	ErrUnknownActionCode = errors.New("unknown action code")

	// ErrInvalidLocus indicates a locus other than OnPath or OffPath.
	ErrInvalidLocus = errors.New("locus must be OnPath or OffPath")
)

// Action is one manipulation directive. Its String form is the single
// line pushed to the proxy.
type Action struct {
	// Src, Dst and Proto select the flow. Src and Dst may be "*".
	Src   string
	Dst   string
	Proto string

	// Start and End bound the effect to a range. Zero on both means the
	// action is unconditional.
	Start Offset
	End   Offset

	// State gates the action on a protocol state name, or "*".
	State string

	Code ActionCode

	// Params is the action-specific key=value string joined with '&', or "*".
	Params string

	Locus Locus

	// Delay schedules the action this long after the strategy is sent.
	// Not part of the wire line.
	Delay time.Duration
}

// String formats the action as src,dst,proto,start,end,state,action,params.
func (a Action) String() string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(orWildcard(a.Src))
	b.WriteByte(',')
	b.WriteString(orWildcard(a.Dst))
	b.WriteByte(',')
	b.WriteString(a.Proto)
	b.WriteByte(',')
	b.WriteString(a.Start.String())
	b.WriteByte(',')
	b.WriteString(a.End.String())
	b.WriteByte(',')
	b.WriteString(orWildcard(a.State))
	b.WriteByte(',')
	b.WriteString(string(a.Code))
	b.WriteByte(',')
	b.WriteString(orWildcard(a.Params))
	return b.String()
}

// Validate checks the action's fields. The range check mirrors the proxy:
// a non-zero end must not precede the start.
func (a Action) Validate() error {
	if a.Proto == "" {
		return fmt.Errorf("empty protocol: %w", ErrInvalidAction)
	}
	if !a.Code.Valid() {
		return fmt.Errorf("%q: %w", a.Code, ErrUnknownActionCode)
	}
	if a.Locus != "" && !a.Locus.Valid() {
		return fmt.Errorf("%q: %w", a.Locus, ErrInvalidLocus)
	}
	if a.Start != AnyOffset && a.End != AnyOffset && a.End != 0 && a.End < a.Start {
		return fmt.Errorf("end %d before start %d: %w", a.End, a.Start, ErrInvalidAction)
	}
	if a.Delay < 0 {
		return fmt.Errorf("negative delay %s: %w", a.Delay, ErrInvalidAction)
	}
	for _, f := range []string{a.Src, a.Dst, a.Proto, a.State, a.Params} {
		if strings.ContainsAny(f, ",|\n") {
			return fmt.Errorf("field %q contains a delimiter: %w", f, ErrInvalidAction)
		}
	}
	return nil
}

// ParseAction parses one action line. The locus defaults to OnPath.
func ParseAction(line string) (Action, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != actionFields {
		return Action{}, fmt.Errorf("%d fields in %q, want %d: %w",
			len(fields), line, actionFields, ErrInvalidAction)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	start, err := ParseOffset(fields[3])
	if err != nil {
		return Action{}, fmt.Errorf("start: %w", err)
	}
	end, err := ParseOffset(fields[4])
	if err != nil {
		return Action{}, fmt.Errorf("end: %w", err)
	}

	a := Action{
		Src:    fields[0],
		Dst:    fields[1],
		Proto:  fields[2],
		Start:  start,
		End:    end,
		State:  fields[5],
		Code:   ActionCode(fields[6]),
		Params: fields[7],
		Locus:  OnPath,
	}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}

func orWildcard(s string) string {
	if s == "" {
		return Wildcard
	}
	return s
}
