// Package dialog implements the private-chat configuration flow that lets chat
// administrators change moderation settings with numbered menu choices.
//
// Invariants:
// - Each user has at most one session, in exactly one State.
// - Transitions for the same user are serialized.
// - A session is created by /config and removed by /cancel or idle expiry.
//
// Usage:
//
//	m := dialog.NewMachine(store, directory, dialog.NewMemoryStore(), logger)
//	replies, _ := m.StartConfig(ctx, userID)
//	replies, _ = m.Handle(ctx, userID, "1")
//	_ = replies
package dialog
