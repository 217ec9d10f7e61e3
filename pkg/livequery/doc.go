// Package livequery keeps query results live against a normalized,
// key-addressed record store.
//
// A Watcher runs a query once, remembers which store keys the result was
// built from, and subscribes to the store. Whenever a commit from another
// origin touches one of those keys the watcher fetches again and hands the
// fresh result to the same handler. Commits made by the watcher's own
// fetches carry its origin token and are ignored, so a fetch never
// re-triggers itself.
//
// # Quick Start
//
// Watch a fixed set of records in an in-memory store:
//
//	client, err := livequery.NewClient(
//	    livequery.WithResolver(myResolver),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	query := livequery.NewKeysQuery("profile", "User:1", "Settings:1")
//	watcher, err := client.Watch(query, func(result *livequery.Result, err error) {
//	    if err != nil {
//	        log.Printf("query failed: %v", err)
//	        return
//	    }
//	    fmt.Println(result.Data)
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer watcher.Cancel()
//
// Any commit to User:1 or Settings:1 from elsewhere now re-runs the query.
//
// # Lifecycle
//
// A watcher is either active-idle, active-fetching or cancelled:
//   - Fetch and Refetch move it to active-fetching, superseding any fetch in flight
//   - A completed fetch records the dependent keys and returns it to active-idle
//   - Cancel is terminal and idempotent; once it returns the handler is not
//     running and is never called again
//
// Only the most recently issued fetch may deliver. Superseded fetches are
// cancelled and their completions, should they still arrive, are dropped.
// A failed fetch clears the dependent keys: the watcher then ignores store
// changes until the next explicit Fetch or Refetch.
//
// # Cache Policies
//
//	core.CacheFirst   // read the store, go to the resolver on a miss
//	core.NetworkOnly  // always resolve, then read the store (Refetch)
//	core.CacheOnly    // read the store, fail with ErrCacheMiss on a miss
//
// Refetches triggered by store changes use CacheFirst.
//
// # Dispatch
//
// Handlers for one watcher never run concurrently. By default every result
// is delivered on the client's SerialQueue; pass WithDispatcher or
// WithWatchDispatcher to deliver elsewhere.
//
// # Configuration
//
// Load configuration from YAML file:
//
//	client, err := livequery.NewClient(
//	    livequery.WithConfigFile("config.yaml"),
//	)
//
// Example YAML configuration:
//
//	store:
//	  backend: redis          # or memory
//	  redis:
//	    addr: "localhost:6379"
//	    key_prefix: "livequery:"
//	    channel: "livequery:commits"
//	    ttl: "1h"
//
//	fetch:
//	  initial_policy: cache-first
//	  timeout: "10s"
//
//	log_level: info
//
// With the redis backend, commits are broadcast over Pub/Sub so watchers in
// other processes sharing the same Redis react to them too.
//
// # Client Lifetime
//
// Watchers hold their client weakly. Keep the Client reachable while its
// watchers are in use; once it is collected their fetches become no-ops.
// Client.Close cancels every live watcher.
package livequery
