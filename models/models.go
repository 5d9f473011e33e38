package models

type Participant struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	JoinedAt int64  `json:"joinedAt"`
}

type Tool int

const (
	ToolPen Tool = iota
	ToolHighlighter
	ToolEraser
	ToolCount
)

func (t Tool) String() string {
	switch t {
	case ToolPen:
		return "pen"
	case ToolHighlighter:
		return "highlighter"
	case ToolEraser:
		return "eraser"
	}
	return "unknown"
}

// Point is in content-local, zoom-independent coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Stroke struct {
	Id        string  `json:"id,omitempty"`
	AuthorId  string  `json:"authorId"`
	Tool      Tool    `json:"tool"`
	Color     string  `json:"color"`
	Width     float64 `json:"width"`
	Points    []Point `json:"points"`
	CreatedAt int64   `json:"createdAt"`
}

type Note struct {
	Id         string `json:"id,omitempty"`
	AuthorId   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Text       string `json:"text"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Cursor holds a viewport-normalized pointer position. X and Y are nil for
// pure scroll updates, in which case the last known position stays put.
type Cursor struct {
	X         *float64 `json:"x"`
	Y         *float64 `json:"y"`
	ScrollY   float64  `json:"scrollY"`
	Name      string   `json:"name"`
	UpdatedAt int64    `json:"updatedAt"`
}

type ControlState struct {
	Owner string `json:"owner"`
}

type ScrollState struct {
	Y  float64 `json:"y"`
	By string  `json:"by"`
}

// Claim records the winner of a compare-and-set election, e.g. the session creator.
// Token tells two claims of the same owner apart.
type Claim struct {
	Owner     string `json:"owner"`
	ClaimedAt int64  `json:"claimedAt"`
	Token     string `json:"token,omitempty"`
}

type Offer struct {
	SDP string `json:"sdp"`
}

type Answer struct {
	SDP string `json:"sdp"`
}

type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// User is the identity carried by a verified session token.
type User struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

// SessionRecord is the directory entry kept for the lifetime of a session.
type SessionRecord struct {
	Id          string `json:"id"`
	Creator     string `json:"creator"`
	CreatedAt   int64  `json:"createdAt"`
	ExpiresAt   int64  `json:"expiresAt"`
	StrokeCount int    `json:"strokeCount"`
	NoteCount   int    `json:"noteCount"`
	ShareCount  int    `json:"shareCount"`
}

// Activity names a per-session counter kept in the directory.
type Activity int

const (
	ActivityStroke Activity = iota
	ActivityNote
	ActivityShare
)

func (a Activity) String() string {
	switch a {
	case ActivityStroke:
		return "stroke"
	case ActivityNote:
		return "note"
	case ActivityShare:
		return "share"
	}
	return "unknown"
}
