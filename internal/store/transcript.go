package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	transcriptFile   = "transcript.jsonl"
	transcriptOffset = "transcript.offset"
)

// AppendTranscript assigns the next sequence number and timestamp, writes
// one JSONL line under the conversation's append lock, and returns the
// assigned msg_num. Entries are never rewritten.
func (s *Store) AppendTranscript(id string, entry Entry) (int64, error) {
	l := s.lockFor(id)
	l.transcript.Lock()
	defer l.transcript.Unlock()

	path := filepath.Join(s.ConversationDir(id), transcriptFile)

	if l.nextSeq == 0 {
		last, err := lastSeq(path)
		if err != nil {
			return 0, err
		}
		l.nextSeq = last + 1
	}

	entry.MsgNum = l.nextSeq
	if entry.Ts == 0 {
		entry.Ts = time.Now().UnixMilli()
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal transcript entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return 0, fmt.Errorf("failed to append transcript entry: %w", err)
	}

	l.nextSeq++
	return entry.MsgNum, nil
}

// lastSeq scans the transcript for the highest msg_num. A missing or empty
// file yields 0.
func lastSeq(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var last int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.MsgNum > last {
			last = e.MsgNum
		}
	}
	return last, scanner.Err()
}

// Range returns transcript entries with from <= msg_num < to. A zero `to`
// means no upper bound.
func (s *Store) Range(id string, from, to int64) ([]Entry, error) {
	if _, err := s.LoadMeta(id); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.ConversationDir(id), transcriptFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.MsgNum < from {
			continue
		}
		if to > 0 && e.MsgNum >= to {
			break
		}
		out = append(out, e)
	}
	if out == nil {
		out = []Entry{}
	}
	return out, scanner.Err()
}

// TailReader consumes transcript entries past its durable offset. The
// offset file survives restarts so external consumers resume where they
// stopped.
type TailReader struct {
	store *Store
	id    string
}

// Tail returns the durable-offset tail reader for a conversation.
func (s *Store) Tail(id string) *TailReader {
	return &TailReader{store: s, id: id}
}

// Next returns entries past the stored offset and advances it.
func (t *TailReader) Next() ([]Entry, error) {
	offsetPath := filepath.Join(t.store.ConversationDir(t.id), transcriptOffset)
	var from int64 = 1
	if raw, err := os.ReadFile(offsetPath); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err == nil {
			from = v + 1
		}
	}
	entries, err := t.store.Range(t.id, from, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		last := entries[len(entries)-1].MsgNum
		tmp := offsetPath + ".tmp"
		if err := os.WriteFile(tmp, []byte(strconv.FormatInt(last, 10)), 0o644); err != nil {
			return entries, err
		}
		if err := os.Rename(tmp, offsetPath); err != nil {
			return entries, err
		}
	}
	return entries, nil
}
