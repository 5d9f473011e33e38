package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

type Kind string

const (
	KindParticipant Kind = "participant"
	KindClaim       Kind = "claim"
	KindOffer       Kind = "offer"
	KindAnswer      Kind = "answer"
	KindCandidate   Kind = "candidate"
	KindCursor      Kind = "cursor"
	KindStroke      Kind = "stroke"
	KindNote        Kind = "note"
	KindControl     Kind = "control"
	KindScroll      Kind = "scroll"
)

var ErrInvalidMessage = errors.New("invalid message")

// Message is a value that can travel over the session bus. Every encoded
// message carries its kind so readers can reject values of the wrong shape.
type Message interface {
	Kind() Kind
	Validate() error
}

func (Participant) Kind() Kind  { return KindParticipant }
func (Claim) Kind() Kind        { return KindClaim }
func (Offer) Kind() Kind        { return KindOffer }
func (Answer) Kind() Kind       { return KindAnswer }
func (Candidate) Kind() Kind    { return KindCandidate }
func (Cursor) Kind() Kind       { return KindCursor }
func (Stroke) Kind() Kind       { return KindStroke }
func (Note) Kind() Kind         { return KindNote }
func (ControlState) Kind() Kind { return KindControl }
func (ScrollState) Kind() Kind  { return KindScroll }

func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(m.Kind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

func Decode[T Message](raw []byte) (T, error) {
	var zero T
	var tag struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if tag.Kind != zero.Kind() {
		return zero, fmt.Errorf("%w: expected kind %q, got %q", ErrInvalidMessage, zero.Kind(), tag.Kind)
	}
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return zero, err
	}
	return msg, nil
}

var hexColorRegex = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

const (
	MinStrokeWidth  = 1
	MaxStrokeWidth  = 40
	MaxStrokePoints = 2000
	MaxNameLength   = 64
	MaxNoteLength   = 10000
	MaxSDPLength    = 64 * 1024
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// ValidateId checks ids that are used as bus path segments.
func ValidateId(id string) error {
	if !idRegex.MatchString(id) {
		return invalid("invalid id %q", id)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (p Participant) Validate() error {
	if err := ValidateId(p.Id); err != nil {
		return err
	}
	if len(p.Name) > MaxNameLength {
		return invalid("name too long")
	}
	return nil
}

func (c Claim) Validate() error {
	return ValidateId(c.Owner)
}

func (o Offer) Validate() error {
	if o.SDP == "" || len(o.SDP) > MaxSDPLength {
		return invalid("invalid offer sdp")
	}
	return nil
}

func (a Answer) Validate() error {
	if a.SDP == "" || len(a.SDP) > MaxSDPLength {
		return invalid("invalid answer sdp")
	}
	return nil
}

func (c Candidate) Validate() error {
	if len(c.Candidate) > 4096 {
		return invalid("candidate too long")
	}
	return nil
}

func (c Cursor) Validate() error {
	if (c.X == nil) != (c.Y == nil) {
		return invalid("cursor position must set both coordinates or neither")
	}
	if c.X != nil {
		if !finite(*c.X) || !finite(*c.Y) || *c.X < 0 || *c.X > 1 || *c.Y < 0 || *c.Y > 1 {
			return invalid("cursor position out of range")
		}
	}
	if !finite(c.ScrollY) || c.ScrollY < 0 {
		return invalid("invalid scroll offset")
	}
	if len(c.Name) > MaxNameLength {
		return invalid("name too long")
	}
	return nil
}

func (s Stroke) Validate() error {
	if err := ValidateId(s.AuthorId); err != nil {
		return err
	}
	if s.Tool < 0 || s.Tool >= ToolCount {
		return invalid("invalid tool")
	}
	if !hexColorRegex.MatchString(s.Color) {
		return invalid("invalid color")
	}
	if !finite(s.Width) || s.Width < MinStrokeWidth || s.Width > MaxStrokeWidth {
		return invalid("invalid width")
	}
	if len(s.Points) < 2 {
		return invalid("stroke needs at least two points")
	}
	if len(s.Points) > MaxStrokePoints {
		return invalid("stroke too long")
	}
	for _, p := range s.Points {
		if !finite(p.X) || !finite(p.Y) {
			return invalid("invalid point")
		}
	}
	return nil
}

func (n Note) Validate() error {
	if err := ValidateId(n.AuthorId); err != nil {
		return err
	}
	if strings.TrimSpace(n.Text) == "" {
		return invalid("empty note")
	}
	if len(n.Text) > MaxNoteLength {
		return invalid("note too long")
	}
	if len(n.AuthorName) > MaxNameLength {
		return invalid("name too long")
	}
	return nil
}

func (c ControlState) Validate() error {
	if c.Owner == "" {
		return nil
	}
	return ValidateId(c.Owner)
}

func (s ScrollState) Validate() error {
	if !finite(s.Y) || s.Y < 0 {
		return invalid("invalid scroll offset")
	}
	return nil
}
