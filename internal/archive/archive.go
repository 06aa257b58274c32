// Package archive writes a jam session to disk: a control log of interval
// boundaries and clip starts, plus every received interval as a file.
//
// Layout of one session directory:
//
//	20240301_2000/
//	  clipsort.log
//	  0/ .. f/        one directory per leading hex digit of the clip GUID
//	  a/ab12...ef.ogg
package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wahjam/wahjam-sub001/internal/protocol"
)

// LogName is the control log file inside a session directory.
const LogName = "clipsort.log"

const (
	dirTimeFormat = "20060102_1504"
	maxDirSuffix  = 100
)

// ErrClosed is returned when writing to a finished session.
var ErrClosed = errors.New("archive: session closed")

// Session is one open archive directory. Its methods are safe for
// concurrent use.
type Session struct {
	mu      sync.Mutex
	id      uuid.UUID
	dir     string
	started time.Time
	file    *os.File
	log     *bufio.Writer
	seq     int
	clips   int
	closed  bool
}

// Open creates a new session directory under base, named after now. A
// numeric suffix is added when the name is already taken.
func Open(base string, now time.Time) (*Session, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	name := now.Format(dirTimeFormat)
	var dir string
	for i := 0; ; i++ {
		if i > maxDirSuffix {
			return nil, fmt.Errorf("create session dir: too many sessions named %s", name)
		}
		dir = filepath.Join(base, name)
		if i > 0 {
			dir += "_" + strconv.Itoa(i)
		}
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
	}

	for i := 0; i < 16; i++ {
		sub := filepath.Join(dir, strconv.FormatInt(int64(i), 16))
		if err := os.Mkdir(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create clip dir: %w", err)
		}
	}

	f, err := os.Create(filepath.Join(dir, LogName))
	if err != nil {
		return nil, fmt.Errorf("create session log: %w", err)
	}

	s := &Session{
		id:      uuid.New(),
		dir:     dir,
		started: now,
		file:    f,
		log:     bufio.NewWriter(f),
	}
	log.Info().Str("module", "archive").Str("session", s.id.String()).Str("dir", dir).Msg("archive session started")
	return s, nil
}

// ID identifies the session in the session index.
func (s *Session) ID() uuid.UUID { return s.id }

// Dir is the session directory.
func (s *Session) Dir() string { return s.dir }

// StartedAt is the time passed to Open.
func (s *Session) StartedAt() time.Time { return s.started }

func (s *Session) writeLine(format string, args ...any) error {
	if s.closed {
		return ErrClosed
	}
	if _, err := fmt.Fprintf(s.log, format+"\n", args...); err != nil {
		return fmt.Errorf("write session log: %w", err)
	}
	if err := s.log.Flush(); err != nil {
		return fmt.Errorf("flush session log: %w", err)
	}
	return nil
}

// Interval records a tempo interval boundary.
func (s *Session) Interval(bpm, bpi int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLine("interval %d %d %d", s.seq, bpm, bpi); err != nil {
		return err
	}
	s.seq++
	return nil
}

// Clip records the start of a remote interval and returns the file its
// audio should be written to.
func (s *Session) Clip(guid protocol.GUID, fourcc protocol.FourCC, username string, channel int, channelName string) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLine(`user %s "%s" %d "%s"`, guid, username, channel, channelName); err != nil {
		return nil, err
	}
	f, err := os.Create(s.ClipPath(guid, fourcc))
	if err != nil {
		return nil, fmt.Errorf("create clip: %w", err)
	}
	s.clips++
	return f, nil
}

// LocalInterval writes a "local <guid> <channel>" line, the clipsort.log
// record for an interval produced on the server rather than received from
// a client. The room only relays remote intervals today, so only tools
// replaying an archive call it.
func (s *Session) LocalInterval(guid protocol.GUID, channel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLine("local %s %d", guid, channel)
}

// ClipPath is where the audio for guid is stored.
func (s *Session) ClipPath(guid protocol.GUID, fourcc protocol.FourCC) string {
	name := guid.String()
	return filepath.Join(s.dir, name[:1], name+"."+fourcc.Ext())
}

// Close writes the end marker and closes the log. Safe to call more than
// once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	werr := s.writeLine("end")
	s.closed = true
	cerr := s.file.Close()

	log.Info().Str("module", "archive").Str("session", s.id.String()).Int("intervals", s.seq).Int("clips", s.clips).Msg("archive session closed")
	return errors.Join(werr, cerr)
}
