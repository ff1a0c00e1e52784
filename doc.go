// Package muster forms events: units that need a fixed number of
// participants before they activate, such as a multiplayer session waiting
// for players. Participants either autojoin a compatible pending event,
// matched by capacity and an opaque options key, or join a known event they
// were invited to.
//
// Every state transition is a single indivisible operation against a shared
// Backend. The Redis Store runs each one as a Lua script, and the bolt and
// postgres subpackages provide embedded and SQL alternatives. No
// client-side locks guard event state.
//
// Typical usage looks like:
//   - Open a Backend (NewStore for Redis, bolt.Open, or postgres.NewStore)
//   - Wrap it with NewMuster, which validates input, assigns ids, and arms
//     best-effort expiration timers
//   - Create, autojoin, join, and cancel events through the Muster
//   - Subscribe to an event to observe join and cancel notifications
//   - Optionally run a Sweeper to cancel pending events whose timers were
//     lost to a restart
package muster
