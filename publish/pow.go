package publish

import (
	"context"
	"strconv"

	"nostrkit.dev/event"
)

// leadingZeroBits counts an id's leading zero bits (NIP-13).
func leadingZeroBits(id event.ID) int {
	n := 0
	for _, b := range id {
		if b == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if b&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}

// mineNonce regenerates ev with a "nonce" tag whose value makes the
// recomputed id have at least difficulty leading zero bits, replacing
// any existing nonce tag. It returns the regenerated event, whose ID is
// the mined id but whose Sig is still the old one (it needs re-signing),
// or an error if ctx is cancelled first.
func mineNonce(ctx context.Context, ev event.Event, difficulty int) (event.Event, error) {
	tags := make(event.Tags, 0, len(ev.Tags)+1)
	for _, t := range ev.Tags {
		if t.Name() != "nonce" {
			tags = append(tags, t)
		}
	}
	nonceIdx := len(tags)
	tags = append(tags, event.Tag{"nonce", "0", strconv.Itoa(difficulty)})
	ev.Tags = tags

	for i := uint64(0); ; i++ {
		if i%4096 == 0 {
			select {
			case <-ctx.Done():
				return ev, ctx.Err()
			default:
			}
		}
		ev.Tags[nonceIdx][1] = strconv.FormatUint(i, 10)
		id := ev.ComputeID()
		if leadingZeroBits(id) >= difficulty {
			ev.ID = id
			return ev, nil
		}
	}
}
