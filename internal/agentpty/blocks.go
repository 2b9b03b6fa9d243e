package agentpty

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Block statuses. Transitions are monotonic: running (or interactive)
// moves to exactly one terminal state.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
	StatusInteractive = "interactive"
)

// Block is the finalized metadata for one bounded interval of PTY output.
type Block struct {
	BlockID    string `json:"block_id"`
	Cmd        string `json:"cmd"`
	Cwd        string `json:"cwd"`
	TsBegin    int64  `json:"ts_begin"`
	TsEnd      *int64 `json:"ts_end,omitempty"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	OutputPath string `json:"output_path"`
}

// BlockEvent is one line of events.jsonl. Delta payloads ride base64 so
// arbitrary bytes survive JSON.
type BlockEvent struct {
	Type           string `json:"type"` // begin, delta, end
	ConversationID string `json:"conversation_id"`
	BlockID        string `json:"block_id"`
	Ts             int64  `json:"ts"`
	Cmd            string `json:"cmd,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	DataB64        string `json:"data_b64,omitempty"`
	ExitCode       *int   `json:"exit_code,omitempty"`
	Status         string `json:"status,omitempty"`
}

// BlockStore owns events.jsonl, blocks.jsonl, and per-block output files
// for one conversation. Every block has exactly one BEGIN and one END in
// events.jsonl, BEGIN preceding END.
type BlockStore struct {
	dir            string
	conversationID string

	mu     sync.Mutex
	open   map[string]*Block // running blocks
	outs   map[string]*os.File
	events *os.File
	blocks *os.File
}

// NewBlockStore opens the block store rooted at the conversation's
// agent_pty directory.
func NewBlockStore(dir, conversationID string) (*BlockStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blocks"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blocks dir: %w", err)
	}
	events, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	blocks, err := os.OpenFile(filepath.Join(dir, "blocks.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = events.Close()
		return nil, err
	}
	return &BlockStore{
		dir:            dir,
		conversationID: conversationID,
		open:           make(map[string]*Block),
		outs:           make(map[string]*os.File),
		events:         events,
		blocks:         blocks,
	}, nil
}

func (b *BlockStore) appendEvent(ev BlockEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.events.Write(append(raw, '\n'))
	return err
}

// Begin opens a new block and its output file.
func (b *BlockStore) Begin(blockID, cmd, cwd string, ts int64, interactive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.open[blockID]; exists {
		return fmt.Errorf("block %s already open", blockID)
	}

	status := StatusRunning
	if interactive {
		status = StatusInteractive
	}
	blk := &Block{
		BlockID:    blockID,
		Cmd:        cmd,
		Cwd:        cwd,
		TsBegin:    ts,
		Status:     status,
		OutputPath: filepath.Join("blocks", blockID+".out"),
	}

	out, err := os.OpenFile(filepath.Join(b.dir, blk.OutputPath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open block output: %w", err)
	}

	b.open[blockID] = blk
	b.outs[blockID] = out
	return b.appendEvent(BlockEvent{
		Type:           "begin",
		ConversationID: b.conversationID,
		BlockID:        blockID,
		Ts:             ts,
		Cmd:            cmd,
		Cwd:            cwd,
		Status:         status,
	})
}

// AppendOutput records raw bytes for an open block.
func (b *BlockStore) AppendOutput(blockID string, ts int64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	out, ok := b.outs[blockID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, blockID)
	}
	if _, err := out.Write(data); err != nil {
		return err
	}
	return b.appendEvent(BlockEvent{
		Type:           "delta",
		ConversationID: b.conversationID,
		BlockID:        blockID,
		Ts:             ts,
		DataB64:        base64.StdEncoding.EncodeToString(data),
	})
}

// End finalizes a block: records the END event and appends the finalized
// metadata line to blocks.jsonl. Status defaults from the exit code when
// empty: 0 completed, non-zero failed.
func (b *BlockStore) End(blockID string, ts int64, exitCode *int, status string) (*Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	blk, ok := b.open[blockID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, blockID)
	}

	if status == "" {
		status = StatusCompleted
		if exitCode != nil && *exitCode != 0 {
			status = StatusFailed
		}
	}
	end := ts
	blk.TsEnd = &end
	blk.ExitCode = exitCode
	blk.Status = status

	if out := b.outs[blockID]; out != nil {
		_ = out.Close()
		delete(b.outs, blockID)
	}
	delete(b.open, blockID)

	if err := b.appendEvent(BlockEvent{
		Type:           "end",
		ConversationID: b.conversationID,
		BlockID:        blockID,
		Ts:             ts,
		ExitCode:       exitCode,
		Status:         status,
	}); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(blk)
	if err != nil {
		return nil, err
	}
	if _, err := b.blocks.Write(append(raw, '\n')); err != nil {
		return nil, err
	}
	return blk, nil
}

// OpenBlock returns the running block with the given id, if any.
func (b *BlockStore) OpenBlock(blockID string) (*Block, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.open[blockID]
	return blk, ok
}

// Since returns finalized blocks past the given byte offset into
// blocks.jsonl, plus the resume cursor (the new offset).
func (b *BlockStore) Since(cursor int64) ([]Block, int64, error) {
	f, err := os.Open(filepath.Join(b.dir, "blocks.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return []Block{}, cursor, nil
		}
		return nil, cursor, err
	}
	defer f.Close()

	if cursor > 0 {
		if _, err := f.Seek(cursor, io.SeekStart); err != nil {
			return nil, cursor, err
		}
	}

	out := []Block{}
	offset := cursor
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var blk Block
			if jerr := json.Unmarshal(line, &blk); jerr == nil {
				out = append(out, blk)
			}
			offset += int64(len(line))
		}
		if err != nil {
			break
		}
	}
	return out, offset, nil
}

// Get returns finalized metadata for one block, falling back to the open
// set for still-running blocks.
func (b *BlockStore) Get(blockID string) (*Block, error) {
	all, _, err := b.Since(0)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].BlockID == blockID {
			return &all[i], nil
		}
	}
	if blk, ok := b.OpenBlock(blockID); ok {
		cp := *blk
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, blockID)
}

// ReadOutput returns lines [fromLine, toLine) of a block's output. A zero
// toLine means to the end.
func (b *BlockStore) ReadOutput(blockID string, fromLine, toLine int) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(b.dir, "blocks", blockID+".out"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, blockID)
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(NormalizeNewlines(raw)), "\n"), "\n")
	if fromLine < 0 {
		fromLine = 0
	}
	if fromLine >= len(lines) {
		return []string{}, nil
	}
	if toLine <= 0 || toLine > len(lines) {
		toLine = len(lines)
	}
	return lines[fromLine:toLine], nil
}

// Search performs a substring search across block outputs. With a blockID
// the search is scoped to that block.
type SearchHit struct {
	BlockID string `json:"block_id"`
	Line    int    `json:"line"`
	Text    string `json:"text"`
}

func (b *BlockStore) Search(blockID, query string) ([]SearchHit, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrValidation)
	}
	var ids []string
	if blockID != "" {
		ids = []string{blockID}
	} else {
		all, _, err := b.Since(0)
		if err != nil {
			return nil, err
		}
		for _, blk := range all {
			ids = append(ids, blk.BlockID)
		}
	}

	hits := []SearchHit{}
	for _, id := range ids {
		lines, err := b.ReadOutput(id, 0, 0)
		if err != nil {
			continue
		}
		for i, line := range lines {
			if strings.Contains(line, query) {
				hits = append(hits, SearchHit{BlockID: id, Line: i, Text: line})
			}
		}
	}
	return hits, nil
}

// Replay reconstructs blocks.jsonl content from an events.jsonl stream.
// Feeding the same events always reproduces the same bytes, which is the
// recovery path after a lost or corrupted index.
func Replay(events io.Reader, blocksOut io.Writer) error {
	open := make(map[string]*Block)
	scanner := bufio.NewScanner(events)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		var ev BlockEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "begin":
			open[ev.BlockID] = &Block{
				BlockID:    ev.BlockID,
				Cmd:        ev.Cmd,
				Cwd:        ev.Cwd,
				TsBegin:    ev.Ts,
				Status:     ev.Status,
				OutputPath: filepath.Join("blocks", ev.BlockID+".out"),
			}
		case "end":
			blk, ok := open[ev.BlockID]
			if !ok {
				continue
			}
			end := ev.Ts
			blk.TsEnd = &end
			blk.ExitCode = ev.ExitCode
			blk.Status = ev.Status
			if blk.Status == "" {
				blk.Status = StatusCompleted
				if ev.ExitCode != nil && *ev.ExitCode != 0 {
					blk.Status = StatusFailed
				}
			}
			raw, err := json.Marshal(blk)
			if err != nil {
				return err
			}
			if _, err := blocksOut.Write(append(raw, '\n')); err != nil {
				return err
			}
			delete(open, ev.BlockID)
		}
	}
	return scanner.Err()
}

// Close closes the store's append handles and any open block outputs.
func (b *BlockStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, f := range b.outs {
		_ = f.Close()
		delete(b.outs, id)
	}
	_ = b.events.Close()
	return b.blocks.Close()
}
