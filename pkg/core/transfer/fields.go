package transfer

import (
	"maps"
	"strings"
	"sync"

	"github.com/vango-go/agentline/pkg/core/bus"
	"github.com/vango-go/agentline/pkg/core/events"
)

// Keys used in the collected field map.
const (
	FieldFirstName            = "first_name"
	FieldLastName             = "last_name"
	FieldPhoneNumber          = "phone_number"
	FieldCustomerEmail        = "customer_email"
	FieldCustomerInquiry      = "customer_inquiry"
	FieldPreferredContactTime = "preferred_contact_time"
)

// questionFields maps a marker in the agent's last turn to the field the
// user's answer fills.
var questionFields = []struct {
	marker string
	field  string
}{
	{"your phone", FieldPhoneNumber},
	{"interests you the most", FieldCustomerInquiry},
	{"preferred time", FieldPreferredContactTime},
}

// FieldCollector captures user answers keyed by the question the agent just
// asked. Fields persist across sessions until Clear.
type FieldCollector struct {
	bus *bus.Bus[events.Event]

	mu        sync.Mutex
	lastAgent string
	fields    map[string]string
}

// NewFieldCollector creates a collector publishing userFieldsUpdated on b.
func NewFieldCollector(b *bus.Bus[events.Event]) *FieldCollector {
	return &FieldCollector{bus: b, fields: make(map[string]string)}
}

// Handle consumes messageUpdated events.
func (c *FieldCollector) Handle(ev events.Event) {
	e, ok := ev.(events.MessageUpdatedEvent)
	if !ok {
		return
	}
	switch e.Role {
	case events.RoleAgent:
		c.mu.Lock()
		c.lastAgent = strings.ToLower(e.Content)
		c.mu.Unlock()
	case events.RoleUser:
		c.Capture(e.Content)
	}
}

// Capture records answer against the agent's last question. It reports
// whether any field changed.
func (c *FieldCollector) Capture(answer string) bool {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return false
	}

	c.mu.Lock()
	before := maps.Clone(c.fields)
	if strings.Contains(c.lastAgent, "your name") {
		if parts := strings.Fields(answer); len(parts) >= 2 {
			c.fields[FieldFirstName] = parts[0]
			c.fields[FieldLastName] = strings.Join(parts[1:], " ")
		}
	}
	for _, q := range questionFields {
		if strings.Contains(c.lastAgent, q.marker) {
			c.fields[q.field] = answer
		}
	}
	if strings.Contains(answer, "@") {
		c.fields[FieldCustomerEmail] = answer
	}
	changed := !maps.Equal(before, c.fields)
	snapshot := maps.Clone(c.fields)
	c.mu.Unlock()

	if changed {
		c.bus.Publish(events.UserFieldsUpdatedEvent{Fields: snapshot})
	}
	return changed
}

// Fields returns a copy of the collected fields.
func (c *FieldCollector) Fields() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.fields)
}

// Clear forgets every field and the last question.
func (c *FieldCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields = make(map[string]string)
	c.lastAgent = ""
}
