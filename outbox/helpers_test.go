package outbox

import "nostrkit.dev/event"

func testPubKey(b byte) event.PubKey {
	var pk event.PubKey
	pk[0] = b
	return pk
}
