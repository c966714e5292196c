package events

// Common binary filter masks. An event passes when (count & mask) == 0.
const (
	NoFilter       uint16 = 0x0000
	FirstOneStop   uint16 = 0xFFFF
	FirstTwoStop   uint16 = 0xFFFE
	FirstFourStop  uint16 = 0xFFFC
	FirstEightStop uint16 = 0xFFF8
	EveryOtherOne  uint16 = 0x0001
	EveryFourthOne uint16 = 0x0003
)

// Filter configures a binary filter for one event id
type Filter struct {
	EventID uint16 `json:"event_id" yaml:"event_id" toml:"event_id"`
	Mask    uint16 `json:"mask" yaml:"mask" toml:"mask"`
}

type filterState struct {
	mask  uint16
	count uint16
}

// pass applies the mask to the running count. The count saturates so a
// stop-after-N filter stays stopped.
func (f *filterState) pass() bool {
	ok := f.count&f.mask == 0
	if f.count < 0xFFFF {
		f.count++
	}
	return ok
}
