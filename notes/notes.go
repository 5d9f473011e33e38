package notes

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/models"
)

var (
	ErrNotAuthor    = errors.New("note belongs to another participant")
	ErrNoteNotFound = errors.New("note not found")
)

// Log is the shared notes map of a session. Saves are last-write-wins.
type Log struct {
	bus        bus.Bus
	sessionId  string
	authorId   string
	authorName string
	now        func() time.Time

	mu       sync.Mutex
	notes    []models.Note
	unsub    func()
	onChange func([]models.Note)
}

func NewLog(b bus.Bus, sessionId string, authorId string, authorName string) *Log {
	return &Log{
		bus:        b,
		sessionId:  sessionId,
		authorId:   authorId,
		authorName: authorName,
		now:        time.Now,
	}
}

func (l *Log) Path() string {
	return bus.Join(bus.SessionRoot(l.sessionId), "notes")
}

func (l *Log) OnChange(fn func([]models.Note)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

func (l *Log) Start(ctx context.Context) error {
	unsub, err := l.bus.Subscribe(ctx, l.Path(), l.handleNotes)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.unsub = unsub
	l.mu.Unlock()
	return nil
}

func (l *Log) Close() {
	l.mu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// List returns the notes ordered by creation time.
func (l *Log) List() []models.Note {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Note(nil), l.notes...)
}

// Save appends a new note when editingId is empty and otherwise overwrites
// the text of an existing note the local participant wrote.
func (l *Log) Save(ctx context.Context, text string, editingId string) (string, error) {
	now := l.now().UnixMilli()
	note := models.Note{
		AuthorId:   l.authorId,
		AuthorName: l.authorName,
		Text:       text,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	value, err := models.Encode(note)
	if err != nil {
		return "", err
	}

	if editingId == "" {
		return l.bus.AppendChild(ctx, l.Path(), value)
	}

	if _, err := l.authored(ctx, editingId); err != nil {
		return "", err
	}
	err = l.bus.Update(ctx, bus.Join(l.Path(), editingId), map[string]any{
		"text":      text,
		"updatedAt": now,
	})
	if err != nil {
		return "", err
	}
	return editingId, nil
}

func (l *Log) Remove(ctx context.Context, id string) error {
	if _, err := l.authored(ctx, id); err != nil {
		return err
	}
	return l.bus.Remove(ctx, bus.Join(l.Path(), id))
}

// authored reads the note from the bus rather than the local view so that a
// concurrent delete is noticed.
func (l *Log) authored(ctx context.Context, id string) (models.Note, error) {
	if err := models.ValidateId(id); err != nil {
		return models.Note{}, err
	}
	snap, err := l.bus.Get(ctx, bus.Join(l.Path(), id))
	if err != nil {
		return models.Note{}, err
	}
	if snap.Value == nil {
		return models.Note{}, ErrNoteNotFound
	}
	note, err := models.Decode[models.Note](snap.Value)
	if err != nil {
		return models.Note{}, err
	}
	if note.AuthorId != l.authorId {
		return models.Note{}, ErrNotAuthor
	}
	return note, nil
}

func (l *Log) handleNotes(snap bus.Snapshot) {
	notes := DecodeNotes(snap)

	l.mu.Lock()
	l.notes = notes
	fn := l.onChange
	l.mu.Unlock()

	if fn != nil {
		fn(append([]models.Note(nil), notes...))
	}
}

// DecodeNotes turns a notes snapshot into notes sorted by creation time.
// Malformed entries are skipped.
func DecodeNotes(snap bus.Snapshot) []models.Note {
	notes := make([]models.Note, 0, len(snap.Children))
	for _, child := range snap.Children {
		note, err := models.Decode[models.Note](child.Value)
		if err != nil {
			logrus.WithField("note", child.Key).WithError(err).Warn("Skipping malformed note")
			continue
		}
		note.Id = child.Key
		notes = append(notes, note)
	}
	sort.SliceStable(notes, func(i, j int) bool {
		if notes[i].CreatedAt != notes[j].CreatedAt {
			return notes[i].CreatedAt < notes[j].CreatedAt
		}
		return strings.Compare(notes[i].Id, notes[j].Id) < 0
	})
	return notes
}
