package relay

import (
	"sync"
	"time"

	"github.com/dkeye/renderstream/internal/adapters/signal"
)

// mailbox is the HTTP participant. Messages wait until the next poll drains them.
type mailbox struct {
	id string

	mu   sync.Mutex
	msgs []signal.Message
	seen time.Time
}

func newMailbox(id string) *mailbox {
	return &mailbox{id: id, seen: time.Now()}
}

func (m *mailbox) ID() string { return m.id }

func (m *mailbox) Deliver(msg signal.Message) {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
}

// Take drains pending messages. fromtime is honored for clients that resend an old
// cursor, but drained messages are never returned twice.
func (m *mailbox) Take(from int64) signal.Messages {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]signal.Message, 0, len(m.msgs))
	for _, msg := range m.msgs {
		if msg.Datetime >= from {
			out = append(out, msg)
		}
	}
	m.msgs = nil
	m.seen = time.Now()
	return signal.Messages{Messages: out, Datetime: m.seen.UnixMilli()}
}

func (m *mailbox) idleSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen
}
