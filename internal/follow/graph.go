// Package follow maintains the directed follow graph used for session
// start/end notifications.
package follow

import (
	"sort"
	"time"
)

// Graph owns all follow edges. A reverse index keeps FollowersOf at
// O(followers), since follower lookup sits on the hot path of every session
// start and end. Like the other registries it relies on the coordinator for
// serialisation.
type Graph struct {
	following map[string]map[string]time.Time
	followers map[string]map[string]struct{}

	now func() time.Time
}

// NewGraph initialises an empty graph.
func NewGraph() *Graph {
	return &Graph{
		following: make(map[string]map[string]time.Time),
		followers: make(map[string]map[string]struct{}),
	}
}

func (g *Graph) timestamp() time.Time {
	if g.now != nil {
		return g.now()
	}
	return time.Now().UTC()
}

// Follow records followerID following followeeID. Self-follows and duplicate
// edges are benign no-ops signalled by the false return.
func (g *Graph) Follow(followerID, followeeID string) bool {
	if followerID == "" || followeeID == "" || followerID == followeeID {
		return false
	}
	if g.following[followerID] == nil {
		g.following[followerID] = make(map[string]time.Time)
	}
	if _, exists := g.following[followerID][followeeID]; exists {
		return false
	}
	g.following[followerID][followeeID] = g.timestamp()
	if g.followers[followeeID] == nil {
		g.followers[followeeID] = make(map[string]struct{})
	}
	g.followers[followeeID][followerID] = struct{}{}
	return true
}

// Unfollow removes the edge, reporting whether it existed.
func (g *Graph) Unfollow(followerID, followeeID string) bool {
	edges := g.following[followerID]
	if edges == nil {
		return false
	}
	if _, exists := edges[followeeID]; !exists {
		return false
	}
	delete(edges, followeeID)
	if len(edges) == 0 {
		delete(g.following, followerID)
	}
	if reverse := g.followers[followeeID]; reverse != nil {
		delete(reverse, followerID)
		if len(reverse) == 0 {
			delete(g.followers, followeeID)
		}
	}
	return true
}

// IsFollowing reports whether the edge exists.
func (g *Graph) IsFollowing(followerID, followeeID string) bool {
	edges := g.following[followerID]
	if edges == nil {
		return false
	}
	_, exists := edges[followeeID]
	return exists
}

// FollowersOf returns the identities following id, sorted for deterministic
// fan-out order.
func (g *Graph) FollowersOf(id string) []string {
	reverse := g.followers[id]
	if len(reverse) == 0 {
		return nil
	}
	out := make([]string, 0, len(reverse))
	for follower := range reverse {
		out = append(out, follower)
	}
	sort.Strings(out)
	return out
}

// FollowingOf returns the identities id follows, sorted.
func (g *Graph) FollowingOf(id string) []string {
	edges := g.following[id]
	if len(edges) == 0 {
		return nil
	}
	out := make([]string, 0, len(edges))
	for followee := range edges {
		out = append(out, followee)
	}
	sort.Strings(out)
	return out
}

// DropAll removes every edge touching id. Used when an identity is purged.
func (g *Graph) DropAll(id string) {
	for followee := range g.following[id] {
		if reverse := g.followers[followee]; reverse != nil {
			delete(reverse, id)
			if len(reverse) == 0 {
				delete(g.followers, followee)
			}
		}
	}
	delete(g.following, id)

	for follower := range g.followers[id] {
		if edges := g.following[follower]; edges != nil {
			delete(edges, id)
			if len(edges) == 0 {
				delete(g.following, follower)
			}
		}
	}
	delete(g.followers, id)
}

// Edges returns every edge with its creation time, sorted by follower then
// followee. Used when snapshotting the graph into the archive repository.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for follower, edges := range g.following {
		for followee, createdAt := range edges {
			out = append(out, Edge{Follower: follower, Followee: followee, CreatedAt: createdAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Follower == out[j].Follower {
			return out[i].Followee < out[j].Followee
		}
		return out[i].Follower < out[j].Follower
	})
	return out
}

// Restore seeds edges recovered from the archive repository.
func (g *Graph) Restore(edges []Edge) {
	for _, edge := range edges {
		if edge.Follower == "" || edge.Followee == "" || edge.Follower == edge.Followee {
			continue
		}
		if g.following[edge.Follower] == nil {
			g.following[edge.Follower] = make(map[string]time.Time)
		}
		createdAt := edge.CreatedAt
		if createdAt.IsZero() {
			createdAt = g.timestamp()
		}
		g.following[edge.Follower][edge.Followee] = createdAt
		if g.followers[edge.Followee] == nil {
			g.followers[edge.Followee] = make(map[string]struct{})
		}
		g.followers[edge.Followee][edge.Follower] = struct{}{}
	}
}

// Edge is the exported form of one follow relation.
type Edge struct {
	Follower  string
	Followee  string
	CreatedAt time.Time
}
