// Rule-driven moderation bot for community content sources.
//
// This package (`github.com/bluesky-social/automoderator/automod`) re-exports the main types of a "rules engine" which augments human moderators. Each moderated source (community) keeps a page of declarative conditions; the engine compiles them, walks the source's moderation queues (reports, spam filter, new submissions, new comments), matches items against the conditions, and carries out the configured actions: removal, approval, flagging for review, flair, replies, and notifications. Every action is written to an audit log, which also guarantees that an action or condition is never applied twice to the same item.
//
// See `cmd/automoderator` for a daemon built on this package, and `automod/reddit` for the platform client.
package automod
