package ledger

import "github.com/google/uuid"

// namespace for deterministic entry IDs (UUIDv5 over the idempotency key).
var entryNamespace = uuid.MustParse("4f6d2a6e-3c1b-5e8a-9a57-1d0f6c1b2e70")

func originalKey(orderID OrderID, payeeID PayeeID, t EntryType) string {
	return "original/" + string(orderID) + "/" + string(payeeID) + "/" + string(t)
}

func reversalKey(originalID EntryID) string {
	return "reversal/" + string(originalID)
}

// OriginalID is the ID of the original entry for (order, payee, type).
// The same inputs always produce the same ID.
func OriginalID(orderID OrderID, payeeID PayeeID, t EntryType) EntryID {
	return EntryID(uuid.NewSHA1(entryNamespace, []byte(originalKey(orderID, payeeID, t))).String())
}

// ReversalID is the ID of the (single) reversal of originalID.
func ReversalID(originalID EntryID) EntryID {
	return EntryID(uuid.NewSHA1(entryNamespace, []byte(reversalKey(originalID))).String())
}
