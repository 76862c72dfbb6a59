package lifecycle

// Countdown synchronization - no clock sync with the server
//
// Strategy: the server sends absolute start/end times, the client counts down
// - round update carries endTime in unix seconds
// - displayed end = endTime - VisualBuffer, so the window looks closed a few
//   seconds before the server actually stops taking deposits
// - the server is authoritative for the draw; the countdown only moves the
//   local phase to DRAWING_WINNER
// - on reconnect the next round update re-derives everything

// Reveal timing:
// 1. winner announced -> SPINNING, spin timer (5s)
// 2. spin timer fires -> SHOWING_WINNER, show timer (15s), history refresh
// 3. show timer fires -> WAITING_FOR_NEXT_ROUND
// Pushes received during 1-3 are dropped.
