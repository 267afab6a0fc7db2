// Package chat is the headless host: it renders a channel's live Twitch chat
// into a page document shaped like the standard Twitch chat, so the badge
// pipeline can run against a real channel without a browser.
//
// It provides two entrypoints:
//   - Host.Run: connects anonymously to Twitch IRC (a justinfan login, no
//     credentials) and appends every PRIVMSG as a chat line, keeping only the
//     newest lines the way the site does.
//   - StartAutoHost: polls Helix for the channel's live status, keeps the page
//     chrome's category link current and runs the IRC connection only while the
//     channel is live.
package chat
