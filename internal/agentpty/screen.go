package agentpty

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
)

const (
	// DefaultCols and DefaultRows size the virtual terminal.
	DefaultCols = 120
	DefaultRows = 40

	// DefaultScrollback bounds the retained off-screen lines.
	DefaultScrollback = 1000

	// minDeltaInterval throttles delta emission to at most 10 per second.
	minDeltaInterval = 100 * time.Millisecond

	// minSnapshotInterval throttles snapshot file writes.
	minSnapshotInterval = 250 * time.Millisecond
)

// ScreenDelta is one changed-rows update, appended to screen.jsonl and
// forwarded to live subscribers.
type ScreenDelta struct {
	Ts        int64          `json:"ts"`
	Rows      map[int]string `json:"rows"`
	CursorX   int            `json:"cursor_x"`
	CursorY   int            `json:"cursor_y"`
	AltScreen bool           `json:"alt_screen"`
	Title     string         `json:"title,omitempty"`
}

// ScreenSnapshot is the full grid plus scrollback, written atomically to
// screen.snapshot.json.
type ScreenSnapshot struct {
	Ts         int64    `json:"ts"`
	Cols       int      `json:"cols"`
	Rows       int      `json:"rows"`
	Grid       []string `json:"grid"`
	Scrollback []string `json:"scrollback"`
	CursorX    int      `json:"cursor_x"`
	CursorY    int      `json:"cursor_y"`
	AltScreen  bool     `json:"alt_screen"`
	Title      string   `json:"title,omitempty"`
}

// Screen maintains a vt10x emulation of the PTY byte stream, emits
// changed-row deltas, and persists snapshots. It has its own lock so
// terminal parsing never blocks spool appends.
type Screen struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int

	prevRows  []string
	prevTitle string

	scrollback    []string
	maxScrollback int

	dir     string
	deltas  *os.File
	onDelta func(ScreenDelta)

	dirty        bool
	lastDelta    time.Time
	lastSnapshot time.Time
}

// NewScreen creates the screen model and opens screen.jsonl for append.
func NewScreen(dir string, cols, rows, scrollback int, onDelta func(ScreenDelta)) (*Screen, error) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	if scrollback <= 0 {
		scrollback = DefaultScrollback
	}
	deltas, err := os.OpenFile(filepath.Join(dir, "screen.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Screen{
		term:          vt10x.New(vt10x.WithSize(cols, rows)),
		cols:          cols,
		rows:          rows,
		prevRows:      make([]string, rows),
		maxScrollback: scrollback,
		dir:           dir,
		deltas:        deltas,
		onDelta:       onDelta,
	}, nil
}

// Write feeds raw PTY bytes to the emulator and marks the grid dirty.
func (s *Screen) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.term.Write(data)
	s.dirty = true
}

// Resize resizes the emulator grid.
func (s *Screen) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term.Resize(cols, rows)
	s.cols = cols
	s.rows = rows
	s.prevRows = make([]string, rows)
	s.dirty = true
}

// PushScrollback appends a completed line to the bounded scrollback. The
// session calls this as lines leave the live grid.
func (s *Screen) PushScrollback(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrollback = append(s.scrollback, line)
	if len(s.scrollback) > s.maxScrollback {
		s.scrollback = s.scrollback[len(s.scrollback)-s.maxScrollback:]
	}
}

// AltScreen reports whether the emulator is in the alternate screen.
func (s *Screen) AltScreen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.altScreenLocked()
}

func (s *Screen) altScreenLocked() bool {
	return s.term.Mode()&vt10x.ModeAltScreen != 0
}

func (s *Screen) rowLocked(row int) string {
	chars := make([]rune, s.cols)
	for col := 0; col < s.cols; col++ {
		g := s.term.Cell(col, row)
		if g.Char == 0 {
			chars[col] = ' '
		} else {
			chars[col] = g.Char
		}
	}
	return strings.TrimRight(string(chars), " ")
}

// Flush emits a delta for changed rows and refreshes the snapshot file,
// each subject to its own throttle. Force bypasses both throttles; the
// session forces on prompt sentinels and session end.
func (s *Screen) Flush(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.dirty && !force {
		return
	}
	if !force && now.Sub(s.lastDelta) < minDeltaInterval {
		return
	}

	changed := make(map[int]string)
	for row := 0; row < s.rows; row++ {
		line := s.rowLocked(row)
		if line != s.prevRows[row] {
			changed[row] = line
			s.prevRows[row] = line
		}
	}
	title := s.term.Title()
	if title == s.prevTitle {
		title = ""
	} else {
		s.prevTitle = title
	}

	s.lastDelta = now
	s.dirty = false

	if len(changed) > 0 || title != "" || force {
		cur := s.term.Cursor()
		delta := ScreenDelta{
			Ts:        now.UnixMilli(),
			Rows:      changed,
			CursorX:   cur.X,
			CursorY:   cur.Y,
			AltScreen: s.altScreenLocked(),
			Title:     title,
		}
		if raw, err := json.Marshal(delta); err == nil {
			_, _ = s.deltas.Write(append(raw, '\n'))
		}
		if s.onDelta != nil {
			s.onDelta(delta)
		}
	}

	if force || now.Sub(s.lastSnapshot) >= minSnapshotInterval {
		s.writeSnapshotLocked(now)
		s.lastSnapshot = now
	}
}

func (s *Screen) writeSnapshotLocked(now time.Time) {
	grid := make([]string, s.rows)
	for row := 0; row < s.rows; row++ {
		grid[row] = s.rowLocked(row)
	}
	cur := s.term.Cursor()
	snap := ScreenSnapshot{
		Ts:         now.UnixMilli(),
		Cols:       s.cols,
		Rows:       s.rows,
		Grid:       grid,
		Scrollback: append([]string{}, s.scrollback...),
		CursorX:    cur.X,
		CursorY:    cur.Y,
		AltScreen:  s.altScreenLocked(),
		Title:      s.term.Title(),
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(s.dir, "screen.snapshot.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// DeltasSince reads recorded deltas past the given byte offset into
// screen.jsonl, plus the resume cursor (the new offset).
func (s *Screen) DeltasSince(cursor int64) ([]ScreenDelta, int64, error) {
	f, err := os.Open(filepath.Join(s.dir, "screen.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return []ScreenDelta{}, cursor, nil
		}
		return nil, cursor, err
	}
	defer f.Close()

	if cursor > 0 {
		if _, err := f.Seek(cursor, io.SeekStart); err != nil {
			return nil, cursor, err
		}
	}

	out := []ScreenDelta{}
	offset := cursor
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var delta ScreenDelta
			if jerr := json.Unmarshal(line, &delta); jerr == nil {
				out = append(out, delta)
			}
			offset += int64(len(line))
		}
		if err != nil {
			break
		}
	}
	return out, offset, nil
}

// Snapshot returns the current full grid state without touching files.
func (s *Screen) Snapshot() ScreenSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	grid := make([]string, s.rows)
	for row := 0; row < s.rows; row++ {
		grid[row] = s.rowLocked(row)
	}
	cur := s.term.Cursor()
	return ScreenSnapshot{
		Ts:         time.Now().UnixMilli(),
		Cols:       s.cols,
		Rows:       s.rows,
		Grid:       grid,
		Scrollback: append([]string{}, s.scrollback...),
		CursorX:    cur.X,
		CursorY:    cur.Y,
		AltScreen:  s.altScreenLocked(),
		Title:      s.term.Title(),
	}
}

// Close forces a final snapshot and closes the delta log.
func (s *Screen) Close() error {
	s.Flush(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deltas.Close()
}
