package review

import (
	"cmp"
	"slices"
)

// ContentLookup returns the loaded plain-text content of a document.
type ContentLookup interface {
	Content(documentID DocumentID) (string, bool)
}

// DocumentContents is an in-memory ContentLookup.
type DocumentContents map[DocumentID]string

// Content implements ContentLookup.
func (c DocumentContents) Content(documentID DocumentID) (string, bool) {
	content, ok := c[documentID]
	return content, ok
}

// compareByStart orders by start offset; equal starts fall back to the identifier so
// the cluster seed does not depend on input order.
func compareByStart(left, right Assignment) int {
	if byStart := cmp.Compare(left.StartChar, right.StartChar); byStart != 0 {
		return byStart
	}
	return cmp.Compare(left.ID, right.ID)
}

// SweepOverlaps merges overlapping ranges. An assignment joins the running cluster when
// it starts strictly before the cluster's envelope end, so touching ranges stay apart
// and a member only needs to overlap the envelope, not its predecessor.
// The input slice is not modified. Clusters carry no document name or snapshot.
func SweepOverlaps(assignments []Assignment) []Cluster {
	if len(assignments) == 0 {
		return nil
	}
	sorted := slices.Clone(assignments)
	slices.SortStableFunc(sorted, compareByStart)

	clusters := make([]Cluster, 0, len(sorted))
	current := newCluster(sorted[0])
	for _, next := range sorted[1:] {
		if next.StartChar < current.EndChar {
			current.EndChar = max(current.EndChar, next.EndChar)
			current.Assignments = append(current.Assignments, next)
			continue
		}
		clusters = append(clusters, current)
		current = newCluster(next)
	}
	return append(clusters, current)
}

func newCluster(seed Assignment) Cluster {
	return Cluster{
		DocumentID:  seed.DocumentID,
		StartChar:   seed.StartChar,
		EndChar:     seed.EndChar,
		Assignments: []Assignment{seed},
	}
}

// ClusterOverlaps clusters one document's assignments and slices each cluster's text
// snapshot from content.
func ClusterOverlaps(assignments []Assignment, content string) []Cluster {
	clusters := SweepOverlaps(assignments)
	runes := []rune(content)
	for index := range clusters {
		clusters[index].TextSnapshot = sliceRunes(runes, clusters[index].StartChar, clusters[index].EndChar)
	}
	return clusters
}

// ClusterDocuments clusters every group whose content is loaded. Groups without content
// are skipped; they are not an error.
func ClusterDocuments(groups []DocumentGroup, contents ContentLookup) []Cluster {
	var clusters []Cluster
	for _, group := range groups {
		if len(group.Assignments) == 0 || contents == nil {
			continue
		}
		content, ok := contents.Content(group.DocumentID)
		if !ok {
			continue
		}
		for _, cluster := range ClusterOverlaps(group.Assignments, content) {
			cluster.DocumentName = group.DocumentName
			clusters = append(clusters, cluster)
		}
	}
	return clusters
}

// ClusterSubmission clusters a collaborator's assignments. Content is used for snapshots
// when loaded; otherwise the snapshot falls back to the seed member's own snapshot.
func ClusterSubmission(groups []DocumentGroup, contents ContentLookup) []Cluster {
	var clusters []Cluster
	for _, group := range groups {
		var content string
		loaded := false
		if contents != nil {
			content, loaded = contents.Content(group.DocumentID)
		}
		var documentClusters []Cluster
		if loaded {
			documentClusters = ClusterOverlaps(group.Assignments, content)
		} else {
			documentClusters = SweepOverlaps(group.Assignments)
		}
		for _, cluster := range documentClusters {
			cluster.DocumentName = group.DocumentName
			if !loaded && len(cluster.Assignments) > 0 {
				cluster.TextSnapshot = cluster.Assignments[0].TextSnapshot
			}
			clusters = append(clusters, cluster)
		}
	}
	return clusters
}

// FilterClusterMembers keeps only members satisfying keep and drops clusters left empty.
// Cluster envelopes are kept as computed.
func FilterClusterMembers(clusters []Cluster, keep func(Assignment) bool) []Cluster {
	filtered := make([]Cluster, 0, len(clusters))
	for _, cluster := range clusters {
		members := make([]Assignment, 0, len(cluster.Assignments))
		for _, assignment := range cluster.Assignments {
			if keep(assignment) {
				members = append(members, assignment)
			}
		}
		if len(members) == 0 {
			continue
		}
		cluster.Assignments = members
		filtered = append(filtered, cluster)
	}
	return filtered
}

func sliceRunes(runes []rune, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}
