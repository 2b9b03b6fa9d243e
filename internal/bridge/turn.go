package bridge

import (
	"strings"

	"github.com/framework-shells/appserver/internal/events"
)

// Per-turn states.
const (
	turnStarted          = "started"
	turnStreaming        = "streaming"
	turnAwaitingApproval = "awaiting_approval"
	turnCompleted        = "completed"
	turnErrored          = "errored"
)

// itemBuffer accumulates streamed deltas for one item. Only the assembled
// text is transcribed, on item/completed.
type itemBuffer struct {
	itemType string
	text     strings.Builder
}

// pendingDiff is an item-level short diff held back until turn completion
// in case a contextual turn-level diff with the same signature arrives.
type pendingDiff struct {
	text string
}

// turnState tracks one in-flight turn.
type turnState struct {
	turnID         string
	conversationID string
	state          string

	buffers map[string]*itemBuffer

	// emittedDiffs holds signatures already surfaced (contextual diffs and
	// flushed shorts). shortDiffs holds withheld item-level diffs by
	// signature.
	emittedDiffs map[string]struct{}
	shortDiffs   map[string]*pendingDiff

	// transcribedItems guards the exactly-once transcription per item.
	transcribedItems map[string]struct{}

	plan []events.PlanStep
}

func newTurnState(turnID, conversationID string) *turnState {
	return &turnState{
		turnID:           turnID,
		conversationID:   conversationID,
		state:            turnStarted,
		buffers:          make(map[string]*itemBuffer),
		emittedDiffs:     make(map[string]struct{}),
		shortDiffs:       make(map[string]*pendingDiff),
		transcribedItems: make(map[string]struct{}),
	}
}

func (t *turnState) buffer(itemID, itemType string) *itemBuffer {
	buf, ok := t.buffers[itemID]
	if !ok {
		buf = &itemBuffer{itemType: itemType}
		t.buffers[itemID] = buf
	}
	if itemType != "" {
		buf.itemType = itemType
	}
	return buf
}

// firstTranscription marks the item transcribed and reports whether this
// call was the first to do so.
func (t *turnState) firstTranscription(itemID string) bool {
	if _, ok := t.transcribedItems[itemID]; ok {
		return false
	}
	t.transcribedItems[itemID] = struct{}{}
	return true
}

// recordContextualDiff registers a turn-level diff. It returns true when
// the signature is new and the diff should be surfaced; any withheld short
// diff with the same signature is dropped.
func (t *turnState) recordContextualDiff(sig string) bool {
	delete(t.shortDiffs, sig)
	if _, seen := t.emittedDiffs[sig]; seen {
		return false
	}
	t.emittedDiffs[sig] = struct{}{}
	return true
}

// recordShortDiff withholds an item-level diff unless its signature was
// already surfaced.
func (t *turnState) recordShortDiff(sig, text string) {
	if _, seen := t.emittedDiffs[sig]; seen {
		return
	}
	if _, held := t.shortDiffs[sig]; held {
		return
	}
	t.shortDiffs[sig] = &pendingDiff{text: text}
}

// flushShortDiffs returns withheld short diffs that were never superseded
// by a contextual rendering, marking them emitted.
func (t *turnState) flushShortDiffs() map[string]string {
	out := make(map[string]string, len(t.shortDiffs))
	for sig, pd := range t.shortDiffs {
		out[sig] = pd.text
		t.emittedDiffs[sig] = struct{}{}
		delete(t.shortDiffs, sig)
	}
	return out
}
