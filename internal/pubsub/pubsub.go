// Package pubsub implements the path-prefix publish/subscribe matcher of
// spec §4.7: Publishers and Subscribers attach to '/'-delimited path
// prefixes, and a digest published under one prefix reaches every
// Subscriber whose own prefix is an ancestor or a descendant of it.
package pubsub

import (
	"encoding/hex"
	"strings"
	"sync"
)

// matchBacklog bounds how many unconsumed Matches a Subscriber holds before
// new ones are dropped (spec §5, no unbounded buffering).
const matchBacklog = 32

// Match is one published digest set reaching a Subscriber, named by the
// prefix it was actually published under (which may be more specific than
// the Subscriber's own prefix).
type Match struct {
	Prefix  string
	Targets [][]byte
}

// splitPath normalises path into its '/'-delimited components, dropping
// empty leading/trailing segments so "/files/music" and "files/music/" both
// yield ["files", "music"].
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func joinPath(components []string) string {
	return "/" + strings.Join(components, "/")
}

// isPrefixOf reports whether a's components are a prefix of b's.
func isPrefixOf(a, b []string) bool {
	if len(a) > len(b) {
		return false
	}
	for i, c := range a {
		if b[i] != c {
			return false
		}
	}
	return true
}

// related reports whether a and b sit on the same branch of the path tree:
// one is a prefix of the other (spec §8, Subscribe-delivery invariant).
func related(a, b []string) bool {
	return isPrefixOf(a, b) || isPrefixOf(b, a)
}

// Subscriber is a handle registered under a prefix; matching digests arrive
// on Matches until Close.
type Subscriber struct {
	reg        *Registry
	prefix     string
	components []string
	matches    chan Match
}

// Matches delivers every Match whose published prefix relates to s's own
// (spec §4.7).
func (s *Subscriber) Matches() <-chan Match {
	return s.matches
}

// Prefix returns the path prefix s was registered under.
func (s *Subscriber) Prefix() string {
	return s.prefix
}

// Close unregisters s. Safe to call once; further Matches sends are no-ops.
func (s *Subscriber) Close() {
	s.reg.removeSubscriber(s)
	close(s.matches)
}

func (s *Subscriber) deliver(m Match) {
	select {
	case s.matches <- m:
	default:
		// backlog full: drop, same back-pressure policy as the overlay
		// inbox and tunnel queues.
	}
}

// Publisher is a handle that publishes digests under a fixed prefix.
type Publisher struct {
	reg        *Registry
	prefix     string
	components []string
}

// Prefix returns the path prefix p publishes under.
func (p *Publisher) Prefix() string {
	return p.prefix
}

// Publish records digests as newly available under p's prefix and pushes a
// Match to every Subscriber whose prefix relates to it (spec §4.7, "push on
// publish").
func (p *Publisher) Publish(digests ...[]byte) {
	p.reg.publish(p.prefix, p.components, digests)
}

// Registry holds the local Publisher and Subscriber sets for one node. A
// Handler forwards records arriving from a remote peer through the same
// Registry its local application uses, so a remote Subscribe is evaluated
// against exactly the digests the local application has published.
type Registry struct {
	mu sync.Mutex

	// published maps a prefix to the set of digests published under it,
	// keyed by hex encoding for de-duplication.
	published map[string]map[string][]byte

	subscribers map[string][]*Subscriber
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		published:   make(map[string]map[string][]byte),
		subscribers: make(map[string][]*Subscriber),
	}
}

// NewPublisher returns a handle publishing under prefix.
func (r *Registry) NewPublisher(prefix string) *Publisher {
	components := splitPath(prefix)
	return &Publisher{reg: r, prefix: joinPath(components), components: components}
}

// NewSubscriber registers a Subscriber under prefix and immediately
// evaluates every already-published prefix that relates to it, delivering
// one Match per matching prefix before returning (spec §4.7, "a single
// reply on subscribe").
func (r *Registry) NewSubscriber(prefix string) *Subscriber {
	components := splitPath(prefix)
	sub := &Subscriber{
		reg:        r,
		prefix:     joinPath(components),
		components: components,
		matches:    make(chan Match, matchBacklog),
	}

	r.mu.Lock()
	r.subscribers[sub.prefix] = append(r.subscribers[sub.prefix], sub)
	var initial []Match
	for pubPrefix, digests := range r.published {
		if len(digests) == 0 {
			continue
		}
		if !related(components, splitPath(pubPrefix)) {
			continue
		}
		initial = append(initial, Match{Prefix: pubPrefix, Targets: digestValues(digests)})
	}
	r.mu.Unlock()

	for _, m := range initial {
		sub.deliver(m)
	}

	return sub
}

func digestValues(set map[string][]byte) [][]byte {
	out := make([][]byte, 0, len(set))
	for _, d := range set {
		out = append(out, d)
	}
	return out
}

func (r *Registry) publish(prefix string, components []string, digests [][]byte) {
	r.mu.Lock()
	set, ok := r.published[prefix]
	if !ok {
		set = make(map[string][]byte)
		r.published[prefix] = set
	}
	added := make([][]byte, 0, len(digests))
	for _, d := range digests {
		key := hex.EncodeToString(d)
		if _, exists := set[key]; exists {
			continue
		}
		set[key] = d
		added = append(added, d)
	}

	var targets []*Subscriber
	if len(added) > 0 {
		for subPrefix, subs := range r.subscribers {
			if related(components, splitPath(subPrefix)) {
				targets = append(targets, subs...)
			}
		}
	}
	r.mu.Unlock()

	if len(added) == 0 {
		return
	}
	match := Match{Prefix: prefix, Targets: added}
	for _, s := range targets {
		s.deliver(match)
	}
}

func (r *Registry) removeSubscriber(s *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subscribers[s.prefix]
	for i, candidate := range subs {
		if candidate == s {
			r.subscribers[s.prefix] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(r.subscribers[s.prefix]) == 0 {
		delete(r.subscribers, s.prefix)
	}
}
