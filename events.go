package fdengine

import "strings"

// Events is the kernel-reported event bitmap for a descriptor, as last
// folded in by a poller backend. ERR and HUP are sticky: they survive
// subsequent updates until the slot is recycled.
type Events uint8

const (
	// PollIn reports the descriptor readable.
	PollIn Events = 1 << iota
	// PollOut reports the descriptor writable.
	PollOut
	// PollErr reports an error condition. Sticky.
	PollErr
	// PollHup reports the peer closed its end. Sticky.
	PollHup
)

// pollSticky selects the bits preserved across event updates.
const pollSticky = PollErr | PollHup

// String returns a compact representation such as "IN|HUP".
func (e Events) String() string {
	if e == 0 {
		return "0"
	}
	parts := make([]string, 0, 4)
	if e&PollIn != 0 {
		parts = append(parts, "IN")
	}
	if e&PollOut != 0 {
		parts = append(parts, "OUT")
	}
	if e&PollErr != 0 {
		parts = append(parts, "ERR")
	}
	if e&PollHup != 0 {
		parts = append(parts, "HUP")
	}
	return strings.Join(parts, "|")
}
