// Automod component for caching arbitrary data (as JSON strings) with a fixed TTL and purging.
//
// Includes an interface and implementations using redis and in-process memory.
//
// The rules engine uses this for per-source membership lists (moderators and contributors), which are expensive to re-fetch from the content platform.
package cachestore
