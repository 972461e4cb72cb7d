package relay

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// VerifyEvent recomputes evt's id from its canonical serialization and
// checks the Schnorr signature under evt.PubKey. It only reports
// ok/err; the dispatcher drops a failing event and logs it at warn
// level.
func VerifyEvent(evt nostr.Event) (ok bool, err error) {
	if evt.ID != evt.GetID() {
		return false, fmt.Errorf("relay: id mismatch: claimed %s, computed %s", evt.ID, evt.GetID())
	}
	valid, err := evt.CheckSignature()
	if err != nil {
		return false, fmt.Errorf("relay: signature check: %w", err)
	}
	return valid, nil
}
